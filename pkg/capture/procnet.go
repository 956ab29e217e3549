package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/types"
)

// ProcNetConfig for the connection-table source.
type ProcNetConfig struct {
	// Root is the directory holding tcp, tcp6 and udp. Defaults to /proc/net.
	Root string
}

// Connection is one row of a /proc/net table.
type Connection struct {
	Protocol   string
	LocalIP    net.IP
	LocalPort  int
	RemoteIP   net.IP
	RemotePort int
	State      string
	TxQueue    int64
	RxQueue    int64
	Inode      uint64
	UID        int
}

// ProcNet reports each connection in the kernel tables the first time it is
// seen. Bytes transferred is the sum of the send and receive queues.
type ProcNet struct {
	cfg ProcNetConfig
	log *logrus.Logger

	mu         sync.Mutex
	knownConns map[string]bool
}

// NewProcNet creates a ProcNet source.
func NewProcNet(cfg ProcNetConfig, log *logrus.Logger) *ProcNet {
	if cfg.Root == "" {
		cfg.Root = "/proc/net"
	}
	return &ProcNet{cfg: cfg, log: log, knownConns: make(map[string]bool)}
}

// Capture implements Source.
func (p *ProcNet) Capture(ctx context.Context) ([]types.TrafficRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []*Connection
	readable := 0
	for _, table := range []string{"tcp", "tcp6", "udp"} {
		conns, err := p.parseNetFile(filepath.Join(p.cfg.Root, table), table)
		if err != nil {
			p.log.WithError(err).WithField("table", table).Debug("Failed to read connection table")
			continue
		}
		readable++
		all = append(all, conns...)
	}
	if readable == 0 {
		return nil, fmt.Errorf("no connection table readable under %s", p.cfg.Root)
	}

	listening := make(map[int]bool)
	for _, c := range all {
		if c.State == "LISTEN" {
			listening[c.LocalPort] = true
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	current := make(map[string]bool, len(all))
	var out []types.TrafficRecord
	for _, conn := range all {
		// Listening sockets and unconnected local sockets are not flows.
		if conn.State == "LISTEN" || (conn.RemotePort == 0 && conn.RemoteIP.IsUnspecified()) {
			continue
		}
		key := connectionKey(conn)
		current[key] = true
		if p.knownConns[key] {
			continue
		}
		p.knownConns[key] = true
		out = append(out, toRecord(conn, listening[conn.LocalPort], now))
	}

	// Forget closed connections.
	for key := range p.knownConns {
		if !current[key] {
			delete(p.knownConns, key)
		}
	}
	return out, nil
}

func toRecord(conn *Connection, inbound bool, ts time.Time) types.TrafficRecord {
	rec := types.TrafficRecord{
		ID:               uuid.NewString(),
		Protocol:         types.ProtocolTCP,
		Status:           types.TrafficAllowed,
		BytesTransferred: conn.TxQueue + conn.RxQueue,
		Timestamp:        ts,
	}
	if strings.HasPrefix(conn.Protocol, "udp") {
		rec.Protocol = types.ProtocolUDP
	}
	if inbound {
		rec.TrafficType = types.TrafficInbound
		rec.SourceIP, rec.SourcePort = conn.RemoteIP.String(), conn.RemotePort
		rec.DestinationIP, rec.DestinationPort = conn.LocalIP.String(), conn.LocalPort
	} else {
		rec.TrafficType = types.TrafficOutbound
		rec.SourceIP, rec.SourcePort = conn.LocalIP.String(), conn.LocalPort
		rec.DestinationIP, rec.DestinationPort = conn.RemoteIP.String(), conn.RemotePort
	}
	return rec
}

// parseNetFile parses /proc/net/tcp, tcp6 or udp.
func (p *ProcNet) parseNetFile(path, protocol string) ([]*Connection, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var conns []*Connection
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		if lineNum == 1 {
			continue // header
		}
		conn, err := parseLine(scanner.Text(), protocol)
		if err != nil {
			continue
		}
		conns = append(conns, conn)
	}
	return conns, scanner.Err()
}

// parseLine parses one table row.
func parseLine(line, protocol string) (*Connection, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return nil, fmt.Errorf("invalid line format")
	}

	localIP, localPort, err := parseAddress(fields[1])
	if err != nil {
		return nil, err
	}
	remoteIP, remotePort, err := parseAddress(fields[2])
	if err != nil {
		return nil, err
	}
	tx, rx, err := parseQueues(fields[4])
	if err != nil {
		return nil, err
	}
	uid, _ := strconv.Atoi(fields[7])
	inode, _ := strconv.ParseUint(fields[9], 10, 64)

	return &Connection{
		Protocol:   protocol,
		LocalIP:    localIP,
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		State:      parseState(fields[3]),
		TxQueue:    tx,
		RxQueue:    rx,
		UID:        uid,
		Inode:      inode,
	}, nil
}

// parseAddress parses a hex address such as "0100007F:0050".
func parseAddress(s string) (net.IP, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("invalid address format")
	}

	ipBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, 0, err
	}
	var ip net.IP
	switch len(ipBytes) {
	case 4:
		// little endian
		ip = net.IPv4(ipBytes[3], ipBytes[2], ipBytes[1], ipBytes[0])
	case 16:
		// four little-endian 32-bit words
		ip = make(net.IP, 16)
		for i := 0; i < 4; i++ {
			start := i * 4
			binary.BigEndian.PutUint32(ip[start:start+4], binary.LittleEndian.Uint32(ipBytes[start:start+4]))
		}
	default:
		return nil, 0, fmt.Errorf("invalid address length %d", len(ipBytes))
	}

	port, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return nil, 0, err
	}
	return ip, int(port), nil
}

// parseQueues parses the "tx_queue:rx_queue" hex column.
func parseQueues(s string) (int64, int64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid queue format")
	}
	tx, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return 0, 0, err
	}
	rx, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return 0, 0, err
	}
	return tx, rx, nil
}

var tcpStates = map[string]string{
	"01": "ESTABLISHED",
	"02": "SYN_SENT",
	"03": "SYN_RECV",
	"04": "FIN_WAIT1",
	"05": "FIN_WAIT2",
	"06": "TIME_WAIT",
	"07": "CLOSE",
	"08": "CLOSE_WAIT",
	"09": "LAST_ACK",
	"0A": "LISTEN",
	"0B": "CLOSING",
}

// parseState converts a TCP state hex code to its name.
func parseState(s string) string {
	if state, ok := tcpStates[strings.ToUpper(s)]; ok {
		return state
	}
	return "UNKNOWN"
}

func connectionKey(conn *Connection) string {
	return fmt.Sprintf("%s:%s:%d->%s:%d",
		conn.Protocol,
		conn.LocalIP.String(),
		conn.LocalPort,
		conn.RemoteIP.String(),
		conn.RemotePort)
}
