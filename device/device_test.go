package device_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nerc-ceh/iotswarm/device"
	"github.com/nerc-ceh/iotswarm/payload"
	"github.com/nerc-ceh/iotswarm/source"
)

// fakeSource cycles through a fixed set of rows for one site, mirroring
// LoopingCSV's in-memory replay semantics without file I/O.
type fakeSource struct {
	rows []source.Row
}

var _ source.DataSource = (*fakeSource)(nil)

func (f *fakeSource) SiteIDs(context.Context, source.Table, int) ([]source.SiteID, error) {
	return nil, nil
}

func (f *fakeSource) LatestForSite(_ context.Context, _ source.SiteID, _ source.Table, offset uint64) (source.Row, error) {
	if len(f.rows) == 0 {
		return source.Row{}, source.ErrNoData
	}
	return f.rows[offset%uint64(len(f.rows))], nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	topics  []string
	payload [][]byte
}

func (p *recordingPublisher) Send(_ context.Context, body []byte, topic string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	cp := make([]byte, len(body))
	copy(cp, body)
	p.payload = append(p.payload, cp)
	return true, nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func tempRow(temp int64) source.Row {
	return source.Row{Columns: []source.Column{{Name: "TEMP", Value: temp}}}
}

// fakeSwarm is a minimal device.Snapshotter used to observe Snapshot
// calls and to exercise the swarm-attributed logger without pulling in
// the swarm package (which imports device).
type fakeSwarm struct {
	mu    sync.Mutex
	calls int
	name  string
	err   error
}

func (s *fakeSwarm) Snapshot(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *fakeSwarm) Name() string { return s.name }

func (s *fakeSwarm) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// panicAdapter panics on every Format call, used to exercise the
// programming-error-becomes-an-error boundary (spec.md's "Programming"
// error class).
type panicAdapter struct{ message string }

func (p panicAdapter) Format(rows ...source.Row) (payload.Envelope, error) {
	panic(p.message)
}

var _ = Describe("Device", func() {
	It("publishes once per cycle up to MaxCycles (S1)", func() {
		src := &fakeSource{rows: []source.Row{tempRow(10), tempRow(11), tempRow(12)}}
		pub := &recordingPublisher{}

		d, err := device.New(device.Config{DeviceID: "ALIC1", SleepSeconds: 0, MaxCycles: 5}, src, pub, payload.CR1000X{DeviceID: "ALIC1"})
		Expect(err).NotTo(HaveOccurred())

		Expect(d.Run(context.Background())).To(Succeed())

		Expect(pub.count()).To(Equal(5))
		Expect(d.Cycle()).To(Equal(uint64(5)))
	})

	It("terminates at exactly MaxCycles (invariant 3)", func() {
		src := &fakeSource{rows: []source.Row{tempRow(1)}}
		pub := &recordingPublisher{}

		d, err := device.New(device.Config{DeviceID: "SITE1", MaxCycles: 7}, src, pub, payload.CR1000X{DeviceID: "SITE1"})
		Expect(err).NotTo(HaveOccurred())

		Expect(d.Run(context.Background())).To(Succeed())
		Expect(d.Cycle()).To(Equal(uint64(7)))
		Expect(pub.count()).To(Equal(7))
	})

	It("never publishes under a 100% skip probability (S3)", func() {
		src := &fakeSource{rows: []source.Row{tempRow(1)}}
		pub := &recordingPublisher{}

		d, err := device.New(device.Config{DeviceID: "SITE1", NoSendProbability: 100}, src, pub, payload.CR1000X{DeviceID: "SITE1"})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		Expect(d.Run(ctx)).To(HaveOccurred())
		Expect(pub.count()).To(Equal(0))
		Expect(d.Cycle()).To(Equal(uint64(0)))
	})

	It("never advances its cycle against a Mock source (S5)", func() {
		pub := &recordingPublisher{}
		d, err := device.New(device.Config{DeviceID: "SITE1", MaxCycles: 0}, source.Mock{}, pub, payload.CR1000X{DeviceID: "SITE1"})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_ = d.Run(ctx)

		Expect(pub.count()).To(Equal(0))
		Expect(d.Cycle()).To(Equal(uint64(0)))
	})

	It("snapshots only for looping sources (invariant 4)", func() {
		src := &fakeSource{rows: []source.Row{tempRow(1)}}
		pub := &recordingPublisher{}

		d, err := device.New(device.Config{DeviceID: "SITE1", MaxCycles: 1}, src, pub, payload.CR1000X{DeviceID: "SITE1"})
		Expect(err).NotTo(HaveOccurred())

		swarm := &fakeSwarm{name: "test-swarm"}
		d.AttachSwarm(swarm)

		Expect(d.Run(context.Background())).To(Succeed())

		// fakeSource is not one of {Mock, *LoopingCSV, *LoopingSQL}, so
		// the swarm must never be asked to snapshot for it.
		Expect(swarm.count()).To(Equal(0))
	})

	It("snapshots a looping source on every successful publish", func() {
		dir, err := os.MkdirTemp("", "device-csv-test-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		csvPath := filepath.Join(dir, "data.csv")
		Expect(os.WriteFile(csvPath, []byte("SITE_ID,TEMP\nSITE1,10\n"), 0o600)).To(Succeed())

		src, err := source.NewLoopingCSV(csvPath)
		Expect(err).NotTo(HaveOccurred())

		pub := &recordingPublisher{}
		d, err := device.New(device.Config{DeviceID: "SITE1", MaxCycles: 3}, src, pub, payload.Passthrough{})
		Expect(err).NotTo(HaveOccurred())

		swarm := &fakeSwarm{name: "test-swarm"}
		d.AttachSwarm(swarm)

		Expect(d.Run(context.Background())).To(Succeed())
		Expect(swarm.count()).To(Equal(3))
	})

	It("converts an adapter panic into a returned error instead of crashing (Programming)", func() {
		src := &fakeSource{rows: []source.Row{tempRow(1)}}
		pub := &recordingPublisher{}
		d, err := device.New(device.Config{DeviceID: "SITE1", MaxCycles: 1}, src, pub, panicAdapter{message: "boom: mismatched column sets"})
		Expect(err).NotTo(HaveOccurred())

		runErr := d.Run(context.Background())
		Expect(runErr).To(HaveOccurred())
		Expect(strings.Contains(runErr.Error(), "boom: mismatched column sets")).To(BeTrue())
		Expect(pub.count()).To(Equal(0))
	})

	It("rejects invalid configuration", func() {
		cases := []device.Config{
			{DeviceID: ""},
			{DeviceID: "X", NoSendProbability: 101},
			{DeviceID: "X", NoSendProbability: -1},
		}
		for _, cfg := range cases {
			_, err := device.New(cfg, source.Mock{}, &recordingPublisher{}, payload.CR1000X{})
			Expect(err).To(HaveOccurred())
		}
	})

	It("requires a table for a LoopingSQL source", func() {
		dir, err := os.MkdirTemp("", "device-sql-test-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		ls, err := source.NewLoopingSQL(filepath.Join(dir, "missing.sqlite"))
		Expect(err).NotTo(HaveOccurred())
		defer ls.Close()

		_, err = device.New(device.Config{DeviceID: "X"}, ls, &recordingPublisher{}, payload.CR1000X{})
		Expect(err).To(HaveOccurred())
	})
})
