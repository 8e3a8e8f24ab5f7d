// Package nitrocli wraps the nitro-cli executable used to launch and stop
// Nitro enclaves on the parent instance.
package nitrocli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

const (
	nitroCLIExecutable = "nitro-cli"
)

type NitroCLI struct {
	// Executable overrides the nitro-cli binary looked up on PATH.
	Executable string
}

func (cli *NitroCLI) RunEnclave(ctx context.Context, opts RunEnclaveOptions) (*EnclaveInfo, error) {
	info := &EnclaveInfo{}
	err := cli.runAndParseJSON(ctx, opts, info)
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (cli *NitroCLI) DescribeEnclaves(ctx context.Context) ([]EnclaveInfo, error) {
	infos := []EnclaveInfo{}
	err := cli.runAndParseJSON(ctx, DescribeEnclavesOptions{}, &infos)
	if err != nil {
		return nil, err
	}

	return infos, nil
}

func (cli *NitroCLI) TerminateEnclave(ctx context.Context, enclaveID string) error {
	result := &TerminateResult{}
	err := cli.runAndParseJSON(ctx, TerminateEnclaveOptions{EnclaveID: enclaveID}, result)
	if err != nil {
		return err
	}

	if !result.Terminated {
		return fmt.Errorf("nitro-cli did not terminate enclave %s", enclaveID)
	}

	return nil
}

func (cli *NitroCLI) command(ctx context.Context, opts argser) (*exec.Cmd, error) {
	args, err := opts.args()
	if err != nil {
		return nil, err
	}

	executable := cli.Executable
	if executable == "" {
		executable = nitroCLIExecutable
	}

	return exec.CommandContext(ctx, executable, args...), nil
}

func (cli *NitroCLI) runAndParseJSON(ctx context.Context, opts argser, out interface{}) error {
	cmd, err := cli.command(ctx, opts)
	if err != nil {
		return err
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if err != nil {
		return fmt.Errorf("running nitro-cli: %w: %s", err, stderr.String())
	}

	err = json.Unmarshal(stdout.Bytes(), out)
	if err != nil {
		return fmt.Errorf("parsing JSON from nitro-cli: %w", err)
	}

	return nil
}

type argser interface {
	args() ([]string, error)
}
