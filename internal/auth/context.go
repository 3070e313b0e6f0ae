package auth

import "context"

type tokenSubjectKey struct{}

// WithSubject 把令牌校验得到的主体挂到请求上下文。
// 存入的是副本，下游修改权限列表不会回写到令牌配置。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	held := &Subject{Name: subject.Name, Permissions: append([]string(nil), subject.Permissions...)}
	return context.WithValue(ctx, tokenSubjectKey{}, held)
}

// SubjectFromContext 返回请求所持令牌对应的主体，未经令牌认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(tokenSubjectKey{}).(*Subject)
	return subject
}
