package bridge

import xerrors "bandburg/internal/errors"

// 桥接层错误码。参数类错误不可重试，模块类错误由调用方决定是否重试。
const (
	CodeUnsupportedOperation xerrors.Code = "UNSUPPORTED_OPERATION"
	CodeMissingArgument      xerrors.Code = "MISSING_ARGUMENT"
	CodeInvalidArgumentType  xerrors.Code = "INVALID_ARGUMENT_TYPE"
	CodeModuleInitFailed     xerrors.Code = "MODULE_INIT_FAILED"
	CodeModuleRuntime        xerrors.Code = "MODULE_RUNTIME_ERROR"
)

func init() {
	xerrors.Register(CodeUnsupportedOperation, xerrors.Attributes{
		Message:  "不支持的命令",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMissingArgument, xerrors.Attributes{
		Message:  "缺少参数",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidArgumentType, xerrors.Attributes{
		Message:  "参数类型错误",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeModuleInitFailed, xerrors.Attributes{
		Message:   "计算模块初始化失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeModuleRuntime, xerrors.Attributes{
		Message:   "计算模块调用失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsValidationError 报告 err 是否属于参数校验类错误。
func IsValidationError(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeUnsupportedOperation, CodeMissingArgument, CodeInvalidArgumentType:
		return true
	}
	return false
}
