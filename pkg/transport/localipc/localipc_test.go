package localipc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/transport"
)

func TestRun_UnknownMethodWritesError(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"bogus"}` + "\n")
	var out bytes.Buffer

	s := New(nil, nil, in, &out, nil)
	require.NoError(t, s.Run(context.Background()))

	var resp transport.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, transport.MethodNotFound, resp.Error.Code)
}

func TestRun_BlankLinesSkipped(t *testing.T) {
	in := strings.NewReader("\n   \n")
	var out bytes.Buffer

	s := New(nil, nil, in, &out, nil)
	require.NoError(t, s.Run(context.Background()))
	require.Empty(t, out.String())
}

func TestRun_MalformedJSONWritesParseError(t *testing.T) {
	in := strings.NewReader(`not json` + "\n")
	var out bytes.Buffer

	s := New(nil, nil, in, &out, nil)
	require.NoError(t, s.Run(context.Background()))

	var resp transport.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, transport.ParseError, resp.Error.Code)
}
