package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", base, KindInternal},
		{"wrapped transient", Transient("queue.enqueue", base), KindTransient},
		{"fmt wrapped", fmt.Errorf("create item: %w", Validation("content.create", "no channels")), KindValidation},
		{"outermost wins", Wrap(KindProvider, "provider.publish", Wrap(KindTimeout, "http", base)), KindProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Wrap(KindTimeout, "publish", errors.New("deadline"))))
	assert.True(t, IsRetryable(Transient("publish", errors.New("503"))))
	assert.False(t, IsRetryable(Wrap(KindProvider, "publish", errors.New("400"))))
	assert.False(t, IsRetryable(ChannelUnavailable("executor", "channel expired")))
	assert.False(t, IsRetryable(nil))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindTransient, "queue.enqueue", errors.New("redis down"))
	assert.Equal(t, "queue.enqueue: redis down", err.Error())

	err = &Error{Kind: KindConflict, Op: "store.transition", Msg: "version mismatch", Err: errors.New("expected 3")}
	assert.Equal(t, "store.transition: version mismatch: expected 3", err.Error())

	assert.Nil(t, Wrap(KindTransient, "noop", nil))
}
