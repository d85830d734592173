package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/wehubfusion/preproc/pkg/errors"
	"github.com/wehubfusion/preproc/pkg/history"
	"github.com/wehubfusion/preproc/pkg/steps"
	"github.com/wehubfusion/preproc/pkg/value"
)

func TestDecodeMalformed(t *testing.T) {
	var task Task
	err := Decode([]byte(`{"taskid": "x"`), &task)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrMalformedMessage)
	assert.True(t, perrors.IsFatal(err))

	err = Decode([]byte(`{"value":{"type":"blob"}}`), &task)
	assert.ErrorIs(t, err, perrors.ErrMalformedMessage)
}

func TestTaskKeepsLargeIntegers(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	task := Task{
		TaskID:    9,
		ItemID:    1 << 60,
		ValueType: value.TypeUint64,
		Timestamp: ts,
		Value:     value.Uint64(1<<64 - 1),
		History:   []history.Entry{{Step: 1, Value: value.Uint64(1<<63 + 1), Timestamp: ts}},
		Steps:     []steps.Definition{{Type: steps.KindDeltaValue}},
	}

	data, err := Encode(task)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value_type":"uint64"`)

	var got Task
	require.NoError(t, Decode(data, &got))
	assert.Equal(t, task, got)
}

func TestReplyEnvelope(t *testing.T) {
	data, err := EncodeReply(QueueDepthReply{Depth: 4}, nil)
	require.NoError(t, err)

	var depth QueueDepthReply
	require.NoError(t, DecodeReply(data, &depth))
	assert.Equal(t, 4, depth.Depth)

	// a step error inside the body is not a request failure
	data, err = EncodeReply(TestResult{Error: "step #1 failed"}, nil)
	require.NoError(t, err)
	var res TestResult
	require.NoError(t, DecodeReply(data, &res))
	assert.Equal(t, "step #1 failed", res.Error)

	data, err = EncodeReply(nil, errors.New("manager stopped"))
	require.NoError(t, err)
	err = DecodeReply(data, &depth)
	require.Error(t, err)
	var pe *perrors.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "REMOTE_ERROR", pe.Code)
	assert.Equal(t, "manager stopped", pe.Message)
}
