package publish

import (
	"context"

	"github.com/nerc-ceh/iotswarm/internal/nlog"
)

// Mock logs every payload and unconditionally reports success, used in
// tests and dry runs where no broker is available.
type Mock struct{}

var _ Publisher = Mock{}

func (Mock) Send(_ context.Context, payload []byte, topic string) (bool, error) {
	nlog.Infof("mock publish: topic=%s bytes=%d", topic, len(payload))
	return true, nil
}
