package capture

import (
	"context"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/endpoint-agent/internal/types"
)

func TestSimulated_BatchShape(t *testing.T) {
	s := NewSimulated(rand.New(rand.NewPCG(1, 2)))
	for i := 0; i < 50; i++ {
		recs, err := s.Capture(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(recs), 1)
		require.LessOrEqual(t, len(recs), 5)
		for _, r := range recs {
			require.NoError(t, types.Validate(&r))
			assert.GreaterOrEqual(t, r.BytesTransferred, int64(100))
			assert.LessOrEqual(t, r.BytesTransferred, int64(10000))
			assert.NotEmpty(t, r.ID)
		}
	}
}

func TestSimulated_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimulated(nil).Capture(ctx)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	log := logrus.New()
	s, err := New("simulated", log)
	require.NoError(t, err)
	assert.IsType(t, &Simulated{}, s)

	s, err = New("procnet", log)
	require.NoError(t, err)
	assert.IsType(t, &ProcNet{}, s)

	_, err = New("pcap", log)
	assert.Error(t, err)
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"01", "ESTABLISHED"},
		{"0A", "LISTEN"},
		{"0a", "LISTEN"},
		{"06", "TIME_WAIT"},
		{"FF", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := parseState(tt.in); got != tt.want {
			t.Errorf("parseState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	ip, port, err := parseAddress("0100007F:0050")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, 80, port)

	ip, port, err = parseAddress("00000000000000000000000001000000:1F90")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv6loopback), "got %s", ip)
	assert.Equal(t, 8080, port)

	_, _, err = parseAddress("nonsense")
	assert.Error(t, err)
	_, _, err = parseAddress("0100:0050")
	assert.Error(t, err)
}

func TestParseQueues(t *testing.T) {
	tx, rx, err := parseQueues("000003E8:00000010")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tx)
	assert.Equal(t, int64(16), rx)

	_, _, err = parseQueues("zz")
	assert.Error(t, err)
}

const tcpHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

func writeTable(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(tcpHeader+body), 0o600))
}

func TestProcNet_NewConnectionsOnly(t *testing.T) {
	dir := t.TempDir()
	// Listener on :22, one inbound connection to it, one outbound to 8.8.8.8:443 with 0x3E9 bytes queued.
	writeTable(t, dir, "tcp", ""+
		"   0: 00000000:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 100 1\n"+
		"   1: 0100A8C0:0016 0200A8C0:D431 01 00000000:00000000 00:00000000 00000000     0        0 101 1\n"+
		"   2: 0100A8C0:9C40 08080808:01BB 01 000003E9:00000000 00:00000000 00000000  1000        0 102 1\n")

	p := NewProcNet(ProcNetConfig{Root: dir}, logrus.New())
	recs, err := p.Capture(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byDst := map[string]types.TrafficRecord{}
	for _, r := range recs {
		byDst[r.DestinationIP] = r
		require.NoError(t, types.Validate(&r))
	}
	in := byDst["192.168.0.1"]
	assert.Equal(t, types.TrafficInbound, in.TrafficType)
	assert.Equal(t, 22, in.DestinationPort)
	assert.Equal(t, "192.168.0.2", in.SourceIP)

	out := byDst["8.8.8.8"]
	assert.Equal(t, types.TrafficOutbound, out.TrafficType)
	assert.Equal(t, 443, out.DestinationPort)
	assert.Equal(t, int64(1001), out.BytesTransferred)
	assert.Equal(t, types.ProtocolTCP, out.Protocol)

	// Same table again: nothing new.
	recs, err = p.Capture(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestProcNet_NoTables(t *testing.T) {
	p := NewProcNet(ProcNetConfig{Root: filepath.Join(t.TempDir(), "missing")}, logrus.New())
	_, err := p.Capture(context.Background())
	assert.Error(t, err)
}
