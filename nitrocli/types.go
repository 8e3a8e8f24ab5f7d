package nitrocli

import "fmt"

type RunEnclaveOptions struct {
	CPUCount    int
	Memory      int
	EIFPath     string
	CID         uint32
	EnclaveName string
	DebugMode   bool
}

func (opts RunEnclaveOptions) args() ([]string, error) {
	nitroCliArgs := []string{"run-enclave"}

	if opts.CPUCount < 1 {
		return nil, fmt.Errorf("at least 1 CPU is required, got: %d", opts.CPUCount)
	} else {
		nitroCliArgs = append(nitroCliArgs, "--cpu-count", fmt.Sprintf("%d", opts.CPUCount))
	}

	if opts.Memory < 64 {
		return nil, fmt.Errorf("at least 64MiB of memory are required, got: %d", opts.Memory)
	} else {
		nitroCliArgs = append(nitroCliArgs, "--memory", fmt.Sprintf("%d", opts.Memory))
	}

	if opts.EIFPath == "" {
		return nil, fmt.Errorf("missing EIF path")
	} else {
		nitroCliArgs = append(nitroCliArgs, "--eif-path", opts.EIFPath)
	}

	// CIDs 0-3 are reserved (hypervisor, local, host, parent)
	if opts.CID != 0 {
		if opts.CID < 4 {
			return nil, fmt.Errorf("enclave CID must be at least 4, got: %d", opts.CID)
		}
		nitroCliArgs = append(nitroCliArgs, "--enclave-cid", fmt.Sprintf("%d", opts.CID))
	}

	if opts.EnclaveName != "" {
		nitroCliArgs = append(nitroCliArgs, "--enclave-name", opts.EnclaveName)
	}

	if opts.DebugMode {
		nitroCliArgs = append(nitroCliArgs, "--debug-mode")
	}

	return nitroCliArgs, nil
}

type DescribeEnclavesOptions struct{}

func (opts DescribeEnclavesOptions) args() ([]string, error) {
	return []string{"describe-enclaves"}, nil
}

type TerminateEnclaveOptions struct {
	EnclaveID string
}

func (opts TerminateEnclaveOptions) args() ([]string, error) {
	if opts.EnclaveID == "" {
		return nil, fmt.Errorf("missing enclave ID")
	}

	return []string{"terminate-enclave", "--enclave-id", opts.EnclaveID}, nil
}

type EnclaveInfo struct {
	EnclaveName string
	EnclaveID   string
	ProcessID   int
	EnclaveCID  uint32
	MemoryMiB   int
	State       string
}

type TerminateResult struct {
	EnclaveID  string
	Terminated bool
}
