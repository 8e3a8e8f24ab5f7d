package nitrocli

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestRunEnclaveArgs(t *testing.T) {
	args, err := RunEnclaveOptions{
		CPUCount:    2,
		Memory:      512,
		EIFPath:     "/enclave/echo.eif",
		CID:         16,
		EnclaveName: "echo",
		DebugMode:   true,
	}.args()
	require.NoError(t, err)
	require.Equal(t, []string{
		"run-enclave",
		"--cpu-count", "2",
		"--memory", "512",
		"--eif-path", "/enclave/echo.eif",
		"--enclave-cid", "16",
		"--enclave-name", "echo",
		"--debug-mode",
	}, args)

	args, err = RunEnclaveOptions{CPUCount: 1, Memory: 64, EIFPath: "a.eif"}.args()
	require.NoError(t, err)
	require.NotContains(t, args, "--enclave-cid")
}

func TestRunEnclaveArgsValidation(t *testing.T) {
	valid := RunEnclaveOptions{CPUCount: 1, Memory: 128, EIFPath: "a.eif"}

	cases := map[string]func(o *RunEnclaveOptions){
		"no cpus":      func(o *RunEnclaveOptions) { o.CPUCount = 0 },
		"little mem":   func(o *RunEnclaveOptions) { o.Memory = 32 },
		"no eif":       func(o *RunEnclaveOptions) { o.EIFPath = "" },
		"reserved cid": func(o *RunEnclaveOptions) { o.CID = 3 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := valid
			mutate(&opts)
			_, err := opts.args()
			require.Error(t, err)
		})
	}
}

func TestTerminateEnclaveArgs(t *testing.T) {
	args, err := TerminateEnclaveOptions{EnclaveID: "i-0abc-enc0def"}.args()
	require.NoError(t, err)
	require.Equal(t, []string{"terminate-enclave", "--enclave-id", "i-0abc-enc0def"}, args)

	_, err = TerminateEnclaveOptions{}.args()
	require.Error(t, err)
}
