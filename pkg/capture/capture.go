// Package capture provides traffic capture sources. A source hands the
// traffic monitor a batch of newly observed flows on each call.
package capture

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/types"
)

// Source returns the flows observed since the previous call.
type Source interface {
	Capture(ctx context.Context) ([]types.TrafficRecord, error)
}

// New returns the named source: "simulated" or "procnet".
func New(name string, log *logrus.Logger) (Source, error) {
	switch name {
	case "", "simulated":
		return NewSimulated(nil), nil
	case "procnet":
		return NewProcNet(ProcNetConfig{}, log), nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", name)
	}
}

// Simulated generates 1 to 5 random flows per call.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSimulated creates a generator. A nil rng uses a randomly seeded one.
func NewSimulated(rng *rand.Rand) *Simulated {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulated{rng: rng, now: time.Now}
}

var (
	simProtocols  = []types.Protocol{types.ProtocolTCP, types.ProtocolUDP, types.ProtocolICMP}
	simDirections = []types.TrafficDirection{types.TrafficInbound, types.TrafficOutbound}
	simStatuses   = []types.TrafficStatus{types.TrafficAllowed, types.TrafficBlocked}
)

// Capture implements Source.
func (s *Simulated) Capture(ctx context.Context) ([]types.TrafficRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 1 + s.rng.IntN(5)
	out := make([]types.TrafficRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.TrafficRecord{
			ID:               uuid.NewString(),
			SourceIP:         s.randomIP(),
			DestinationIP:    s.randomIP(),
			SourcePort:       1024 + s.rng.IntN(65535-1024+1),
			DestinationPort:  1024 + s.rng.IntN(65535-1024+1),
			Protocol:         simProtocols[s.rng.IntN(len(simProtocols))],
			TrafficType:      simDirections[s.rng.IntN(len(simDirections))],
			Status:           simStatuses[s.rng.IntN(len(simStatuses))],
			BytesTransferred: int64(100 + s.rng.IntN(10000-100+1)),
			Timestamp:        s.now(),
		})
	}
	return out, nil
}

func (s *Simulated) randomIP() string {
	v := s.rng.Uint32()
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String()
}
