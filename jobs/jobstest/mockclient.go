package jobstest

import (
	"context"
	"errors"

	"github.com/bboozzoo/relaunch/jobs"
)

// MockClient implements jobs.Client through optional callbacks. Calls with
// no callback set fail loudly.
type MockClient struct {
	DeleteCb func(name string) error
	RunCb    func(spec jobs.Spec) error
	ShowCb   func(name string) (*jobs.Status, error)
}

var errNotImplemented = errors.New("mock not implemented")

func (m *MockClient) Delete(_ context.Context, name string) error {
	if m.DeleteCb != nil {
		return m.DeleteCb(name)
	}
	return errNotImplemented
}

func (m *MockClient) Run(_ context.Context, spec jobs.Spec) error {
	if m.RunCb != nil {
		return m.RunCb(spec)
	}
	return errNotImplemented
}

func (m *MockClient) Show(_ context.Context, name string) (*jobs.Status, error) {
	if m.ShowCb != nil {
		return m.ShowCb(name)
	}
	return nil, errNotImplemented
}
