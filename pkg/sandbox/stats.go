package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// statsInterval is how often a running container is sampled.
const statsInterval = 100 * time.Millisecond

// containerSampler polls the container stats API while an execution runs and
// keeps the peaks. Reads are best effort; a container that exits between
// polls simply stops producing samples.
type containerSampler struct {
	log         logrus.FieldLogger
	client      *client.Client
	containerID string

	mu        sync.Mutex
	peakMem   uint64
	cpuTotal  uint64
	ioReadOps uint64

	done chan struct{}
	wg   sync.WaitGroup
}

func newContainerSampler(log logrus.FieldLogger, cli *client.Client, containerID string) *containerSampler {
	s := &containerSampler{
		log:         log,
		client:      cli,
		containerID: containerID,
		done:        make(chan struct{}),
	}

	s.wg.Add(1)

	go s.run()

	return s
}

func (s *containerSampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *containerSampler) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), statsInterval)
	defer cancel()

	// One-shot stats (stream=false) for lower overhead.
	resp, err := s.client.ContainerStats(ctx, s.containerID, false)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		s.log.WithError(err).Debug("Decoding container stats")

		return
	}

	var readOps uint64

	for _, entry := range stats.BlkioStats.IoServicedRecursive {
		switch entry.Op {
		case "Read", "read":
			readOps += entry.Value
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stats.MemoryStats.Usage > s.peakMem {
		s.peakMem = stats.MemoryStats.Usage
	}

	if stats.CPUStats.CPUUsage.TotalUsage > s.cpuTotal {
		s.cpuTotal = stats.CPUStats.CPUUsage.TotalUsage
	}

	if readOps > s.ioReadOps {
		s.ioReadOps = readOps
	}
}

// stop ends sampling and returns the accumulated usage for the given wall
// time. CPU percent is total container CPU time over the execution window.
func (s *containerSampler) stop(wall time.Duration) Usage {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	u := Usage{
		WallTime:     wall,
		PeakRSSBytes: s.peakMem,
		IOReadOps:    s.ioReadOps,
	}

	if wall > 0 {
		u.CPUPercent = float64(s.cpuTotal) / float64(wall.Nanoseconds()) * 100
	}

	return u
}
