package worker

import (
	"errors"
	"fmt"
)

var ErrHandleClosed = errors.New("worker: handle closed")

type EnclaveCreationError struct {
	Name string
	Err  error
}

func (e *EnclaveCreationError) Error() string {
	return fmt.Sprintf("creating enclave %q: %v", e.Name, e.Err)
}

func (e *EnclaveCreationError) Unwrap() error {
	return e.Err
}

type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serializing message: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

type DeserializationError struct {
	Raw []byte
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserializing %d byte message from enclave: %v", len(e.Raw), e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}
