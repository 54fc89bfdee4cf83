package model_test

import (
	"encoding/json"
	"testing"

	"github.com/sjq4/agent/internal/model"
	"github.com/stretchr/testify/require"
)

func TestNetworkAck(t *testing.T) {
	t.Parallel()
	var tcs = []struct {
		given model.NetworkAck
		then  string
	}{
		{model.AckOK(), "OK"},
		{model.AckOKf("%s", model.StateRunning), "OK:RUNNING"},
		{model.AckErr("Unable to kill specified task!"), "ERR:Unable to kill specified task!"},
		{model.AckErr(""), "ERR:"},
	}
	for _, tc := range tcs {
		t.Run(tc.then, func(t *testing.T) {
			require.Equal(t, tc.then, tc.given.String())
			parsed, err := model.ParseAck(tc.then)
			require.NoError(t, err)
			require.Equal(t, tc.given, parsed)

			b, err := json.Marshal(tc.given)
			require.NoError(t, err)
			require.Equal(t, `"`+tc.then+`"`, string(b))
		})
	}

	_, err := model.ParseAck("MAYBE")
	require.Error(t, err)
}
