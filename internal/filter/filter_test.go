package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Rule
		wantErr bool
	}{
		{
			name:  "simple",
			input: `network_message=MsgType != "ping"`,
			want:  Rule{Kind: bpf.KindNetworkMessage, Expression: `MsgType != "ping"`},
		},
		{
			name:  "equals sign in expression",
			input: `block_connected = Height >= 800000`,
			want:  Rule{Kind: bpf.KindBlockConnected, Expression: `Height >= 800000`},
		},
		{name: "missing separator", input: "network_message", wantErr: true},
		{name: "unknown kind", input: "blocks=true", wantErr: true},
		{name: "empty expression", input: "lock=  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRule(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]string{"lock=LockName == \"cs_main\"", "mempool_added=Fee > 0"})
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = ParseRules([]string{"lock=true", "nope"})
	assert.Error(t, err)
}

func TestNew_CompileErrors(t *testing.T) {
	// Unknown field.
	_, err := New([]Rule{{Kind: bpf.KindNetworkMessage, Expression: `Nope == 1`}})
	assert.Error(t, err)

	// Not a boolean.
	_, err = New([]Rule{{Kind: bpf.KindMempoolAdded, Expression: `Fee + 1`}})
	assert.Error(t, err)
}

func TestFilter_Keep(t *testing.T) {
	f, err := New([]Rule{
		{Kind: bpf.KindNetworkMessage, Expression: `MsgType != "ping"`},
		{Kind: bpf.KindNetworkMessage, Expression: `MsgSize < 1000`},
		{Kind: bpf.KindCacheFlush, Expression: `Mode.String() != "periodic" || ForPrune`},
		{Kind: bpf.KindMempoolRemoved, Expression: `Reason in ["expiry", "sizelimit"]`},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, f.Len())

	tests := []struct {
		name string
		ev   bpf.Event
		want bool
	}{
		{"ping dropped", bpf.NetworkMessage{MsgType: "ping", MsgSize: 8}, false},
		{"large dropped", bpf.NetworkMessage{MsgType: "block", MsgSize: 1_000_000}, false},
		{"small headers kept", bpf.NetworkMessage{MsgType: "headers", MsgSize: 162}, true},
		{"periodic flush dropped", bpf.CacheFlush{Mode: bpf.FlushPeriodic}, false},
		{"periodic prune flush kept", bpf.CacheFlush{Mode: bpf.FlushPeriodic, ForPrune: true}, true},
		{"always flush kept", bpf.CacheFlush{Mode: bpf.FlushAlways}, true},
		{"expiry kept", bpf.MempoolRemoved{Reason: "expiry"}, true},
		{"replaced reason dropped", bpf.MempoolRemoved{Reason: "replaced"}, false},
		{"kind without rules kept", bpf.BlockConnected{Height: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Keep(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilter_EnumFieldsThroughMethods(t *testing.T) {
	f, err := New([]Rule{
		{Kind: bpf.KindCacheMutation, Expression: `Event.Known() && Event.Raw() != 1`},
		{Kind: bpf.KindCacheFlush, Expression: `Mode.Raw() >= 2 && Mode.String() != "periodic"`},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   bpf.Event
		want bool
	}{
		{"add kept", bpf.CacheMutation{Event: bpf.CacheAdd}, true},
		{"spent dropped", bpf.CacheMutation{Event: bpf.CacheSpent}, false},
		{"unknown dropped", bpf.CacheMutation{Event: bpf.CacheMutationKindFromRaw(99)}, false},
		{"if needed dropped", bpf.CacheFlush{Mode: bpf.FlushIfNeeded}, false},
		{"always kept", bpf.CacheFlush{Mode: bpf.FlushAlways}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Keep(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilter_NilKeepsEverything(t *testing.T) {
	var f *Filter
	keep, err := f.Keep(bpf.MempoolReplaced{})
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestFilter_EveryKindCompiles(t *testing.T) {
	for _, k := range bpf.Kinds {
		_, err := New([]Rule{{Kind: k, Expression: "true"}})
		assert.NoError(t, err, k.String())
	}
}
