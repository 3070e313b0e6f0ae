package install

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandburg/internal/classify"
	xerrors "bandburg/internal/errors"
	"bandburg/internal/module"
)

type fakeInvoker struct {
	calls    int
	lastOp   string
	lastArgs map[string]any
	reports  []any
	out      any
	err      error
}

func (f *fakeInvoker) Invoke(_ context.Context, op string, args map[string]any) (any, error) {
	f.calls++
	f.lastOp = op
	f.lastArgs = args
	if cb, ok := args["progress_cb"].(module.ProgressFunc); ok {
		for _, r := range f.reports {
			cb(r)
		}
	}
	return f.out, f.err
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want Progress
	}{
		{"fraction", 0.42, Progress{42, "安装进度: 42%"}},
		{"object", map[string]any{"progress": 0.42, "message": "m"}, Progress{42, "m"}},
		{"object without message", map[string]any{"progress": 0.5}, Progress{50, "安装进度: 50%"}},
		{"object with bad progress", map[string]any{"progress": "x", "message": "m"}, Progress{0, "m"}},
		{"typed report", Report{Progress: 0.3, Message: ""}, Progress{30, "安装进度: 30%"}},
		{"integer one", 1, Progress{100, "安装进度: 100%"}},
		{"clamped", 1.7, Progress{100, "安装进度: 100%"}},
		{"negative", -0.2, Progress{0, "安装进度: 0%"}},
		{"string", "halfway", Progress{0, messageInstalling}},
		{"nil", nil, Progress{0, messageInstalling}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestInstallExplicitKindAndFinalHundredOnce(t *testing.T) {
	inv := &fakeInvoker{reports: []any{0.1, 0.5, map[string]any{"progress": 1.0, "message": "flushing"}}, out: "ok"}
	o := New(inv, WithClassifier(func([]byte, string) classify.Result {
		t.Fatal("classifier must not run for explicit kinds")
		return classify.Result{}
	}))

	var got []Progress
	res, err := o.Install(context.Background(), Request{
		Addr: "AA:BB", Name: "fw.bin", Data: []byte{1}, Kind: classify.KindFirmware, PackageID: " ",
	}, func(p Progress) { got = append(got, p) })

	require.NoError(t, err)
	assert.Equal(t, &Result{Kind: classify.KindFirmware, Output: "ok"}, res)
	assert.Equal(t, OperationInstall, inv.lastOp)
	assert.Equal(t, 32, inv.lastArgs["res_type"])
	assert.NotContains(t, inv.lastArgs, "package_name")

	require.Len(t, got, 4)
	assert.Equal(t, Progress{99, "flushing"}, got[2])
	assert.Equal(t, Progress{100, messageCompleted}, got[3])
	hundreds := 0
	for _, p := range got {
		if p.Percent == 100 {
			hundreds++
		}
	}
	assert.Equal(t, 1, hundreds)
}

func TestInstallAutoPrefersDetectedPackage(t *testing.T) {
	inv := &fakeInvoker{}
	o := New(inv, WithClassifier(func([]byte, string) classify.Result {
		return classify.Result{Kind: classify.KindMiniApp, PackageID: "com.detected"}
	}))

	res, err := o.Install(context.Background(), Request{Addr: "A", Name: "a.zip", Data: []byte{0}, PackageID: "com.user"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "com.detected", res.PackageID)
	assert.Equal(t, 64, inv.lastArgs["res_type"])
	assert.Equal(t, "com.detected", inv.lastArgs["package_name"])
}

func TestInstallFallsBackToCallerPackage(t *testing.T) {
	inv := &fakeInvoker{}
	o := New(inv, WithClassifier(func([]byte, string) classify.Result {
		return classify.Result{Kind: classify.KindMiniApp}
	}))

	res, err := o.Install(context.Background(), Request{Addr: "A", Name: "a.rpk", Data: []byte{0}, PackageID: " com.user "}, nil)
	require.NoError(t, err)
	assert.Equal(t, "com.user", res.PackageID)
}

func TestInstallClassifierPanicUsesExtension(t *testing.T) {
	inv := &fakeInvoker{}
	o := New(inv, WithClassifier(func([]byte, string) classify.Result { panic("corrupt") }))

	res, err := o.Install(context.Background(), Request{Addr: "A", Name: "x.rpk", Data: []byte{0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, classify.KindMiniApp, res.Kind)
}

func TestInstallFailureNoRetryNoHundred(t *testing.T) {
	boom := errors.New("write failed")
	inv := &fakeInvoker{reports: []any{0.3}, err: boom}
	o := New(inv)

	var got []Progress
	_, err := o.Install(context.Background(), Request{Addr: "A", Name: "x.bin", Data: []byte{0}}, func(p Progress) { got = append(got, p) })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, inv.calls)
	assert.Equal(t, []Progress{{30, "安装进度: 30%"}}, got)
}

func TestInstallValidatesRequest(t *testing.T) {
	o := New(&fakeInvoker{})
	_, err := o.Install(context.Background(), Request{Data: []byte{0}}, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = o.Install(context.Background(), Request{Addr: "A"}, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = o.Install(context.Background(), Request{Addr: "A", Data: []byte{0}, Kind: classify.Kind(7)}, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestProgressHandlerPanicIsolated(t *testing.T) {
	inv := &fakeInvoker{reports: []any{0.5}}
	o := New(inv)
	_, err := o.Install(context.Background(), Request{Addr: "A", Name: "x.bin", Data: []byte{0}}, func(Progress) { panic("ui bug") })
	assert.NoError(t, err)
}
