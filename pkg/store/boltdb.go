package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/plateworks/conductor/pkg/types"
)

var (
	// Bucket names
	bucketMeta         = []byte("meta")
	bucketDevices      = []byte("devices")
	bucketContainers   = []byte("containers")
	bucketProcesses    = []byte("processes")
	bucketExperiments  = []byte("experiments")
	bucketSteps        = []byte("steps")
	bucketCertificates = []byte("certificates")
)

var allBuckets = [][]byte{
	bucketMeta,
	bucketDevices,
	bucketContainers,
	bucketProcesses,
	bucketExperiments,
	bucketSteps,
	bucketCertificates,
}

// BoltStore implements Store with an in-memory authoritative state persisted
// write-through to BoltDB. A single mutex makes every operation atomic with
// respect to every other.
type BoltStore struct {
	db *bolt.DB

	mu          sync.RWMutex
	state       *labState
	processes   map[string]*types.Process
	experiments map[string]*types.Experiment
	history     []*types.HistoryRecord
}

// NewBoltStore opens (or creates) the store under dataDir and loads state.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conductor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:          db,
		state:       newLabState(),
		processes:   make(map[string]*types.Process),
		experiments: make(map[string]*types.Experiment),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// load rebuilds the in-memory state from disk.
func (s *BoltStore) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if desc := tx.Bucket(bucketMeta).Get([]byte("description")); desc != nil {
			s.state.description = string(desc)
		}

		if err := tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			s.state.devices[d.Name] = &d
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			s.state.containers[c.ID] = &c
			if !c.Removed {
				s.state.occupancy[c.CurrentPos] = occupant{ContainerID: c.ID}
				if c.LidPos != nil {
					s.state.occupancy[*c.LidPos] = occupant{ContainerID: c.ID, IsLid: true}
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketProcesses).ForEach(func(k, v []byte) error {
			var p types.Process
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			s.processes[p.ID] = &p
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketExperiments).ForEach(func(k, v []byte) error {
			var e types.Experiment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			s.experiments[e.ID] = &e
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketSteps).ForEach(func(k, v []byte) error {
			var r types.HistoryRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			s.history = append(s.history, &r)
			return nil
		})
	})
}

// persistContainers writes the given containers in one transaction.
func persistContainers(tx *bolt.Tx, containers ...*types.Container) error {
	b := tx.Bucket(bucketContainers)
	for _, c := range containers {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(c.ID), data); err != nil {
			return err
		}
	}
	return nil
}

func appendRecord(tx *bolt.Tx, rec *types.HistoryRecord) error {
	b := tx.Bucket(bucketSteps)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// --- Lab catalogue ---

func (s *BoltStore) ConfigureLab(description string, devices []*types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := staged.configure(description, devices); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDevices); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketDevices)
		if err != nil {
			return err
		}
		for _, d := range staged.devices {
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(d.Name), data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put([]byte("description"), []byte(description))
	})
	if err != nil {
		return fmt.Errorf("failed to persist lab config: %w", err)
	}

	s.state = staged
	return nil
}

func (s *BoltStore) Devices() []*types.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*types.Device, 0, len(s.state.devices))
	for _, d := range s.state.devices {
		cp := *d
		devices = append(devices, &cp)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}

func (s *BoltStore) Device(name string) (*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.state.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", name, types.ErrUnknownDevice)
	}
	cp := *d
	return &cp, nil
}

// --- Containers ---

func (s *BoltStore) AddContainer(spec ContainerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	c, err := staged.addContainer(spec)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return persistContainers(tx, c)
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist container: %w", err)
	}

	s.state = staged
	return c.ID, nil
}

func (s *BoltStore) MoveContainer(op MoveOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	c, err := staged.moveContainer(op)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return persistContainers(tx, c)
	})
	if err != nil {
		return fmt.Errorf("failed to persist move: %w", err)
	}

	s.state = staged
	return nil
}

func (s *BoltStore) Unlid(op LidOp) error {
	return s.lidMutation(func(st *labState) (*types.Container, error) { return st.unlid(op) })
}

func (s *BoltStore) Lid(op LidOp) error {
	return s.lidMutation(func(st *labState) (*types.Container, error) { return st.lid(op) })
}

func (s *BoltStore) lidMutation(apply func(*labState) (*types.Container, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	c, err := apply(staged)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return persistContainers(tx, c)
	})
	if err != nil {
		return fmt.Errorf("failed to persist lid change: %w", err)
	}

	s.state = staged
	return nil
}

func (s *BoltStore) SetBarcode(containerID, barcode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	c, err := staged.setBarcode(containerID, barcode)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return persistContainers(tx, c)
	})
	if err != nil {
		return fmt.Errorf("failed to persist barcode: %w", err)
	}

	s.state = staged
	return nil
}

func (s *BoltStore) RemoveContainer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	c, err := staged.removeContainer(id)
	if err != nil {
		return err
	}

	now := time.Now()
	rec := &types.HistoryRecord{
		ID:         uuid.New().String(),
		Fct:        "unload",
		Containers: []string{c.ID},
		Device:     c.CurrentPos.Device,
		Start:      now,
		Finish:     now,
		Status:     types.StepStatusOK,
	}
	if dev, ok := staged.devices[c.CurrentPos.Device]; ok {
		rec.DeviceKind = dev.Kind
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := persistContainers(tx, c); err != nil {
			return err
		}
		return appendRecord(tx, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to persist removal: %w", err)
	}

	s.state = staged
	s.history = append(s.history, rec)
	return nil
}

// --- Lookups ---

func (s *BoltStore) PositionEmpty(pos types.Position) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.state.validPosition(pos); err != nil {
		return false, err
	}
	_, taken := s.state.occupancy[pos]
	return !taken, nil
}

func (s *BoltStore) ContainerAt(pos types.Position) (*types.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.state.validPosition(pos); err != nil {
		return nil, err
	}
	occ, ok := s.state.occupancy[pos]
	if !ok || occ.IsLid {
		return nil, nil
	}
	cp := *s.state.containers[occ.ContainerID]
	return &cp, nil
}

func (s *BoltStore) ContainerByBarcode(barcode string) (*types.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.state.containers {
		if !c.Removed && c.Barcode == barcode {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *BoltStore) Container(id string) (*types.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.state.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, types.ErrUnknownContainer)
	}
	cp := *c
	return &cp, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	containers := make([]*types.Container, 0, len(s.state.containers))
	for _, c := range s.state.containers {
		cp := *c
		containers = append(containers, &cp)
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })
	return containers, nil
}

func (s *BoltStore) FreeSlot(device string, labwareType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.state.devices[device]
	if !ok {
		return 0, fmt.Errorf("device %s: %w", device, types.ErrUnknownDevice)
	}
	for slot := 0; slot < dev.Capacity; slot++ {
		pos := types.Position{Device: device, Slot: slot}
		if _, taken := s.state.occupancy[pos]; taken {
			continue
		}
		if !slotCompatible(dev, slot, labwareType) {
			continue
		}
		return slot, nil
	}
	return 0, fmt.Errorf("device %s: %w", device, types.ErrDeviceFull)
}

// --- Processes and experiments ---

func (s *BoltStore) CreateProcess(p *types.Process) error {
	return s.putProcess(p)
}

func (s *BoltStore) UpdateProcess(p *types.Process) error {
	return s.putProcess(p)
}

func (s *BoltStore) putProcess(p *types.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProcesses).Put([]byte(cp.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist process: %w", err)
	}
	s.processes[cp.ID] = &cp
	return nil
}

func (s *BoltStore) GetProcess(id string) (*types.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.processes[id]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", id, types.ErrUnknownProcess)
	}
	cp := *p
	return &cp, nil
}

func (s *BoltStore) ListProcesses() ([]*types.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	procs := make([]*types.Process, 0, len(s.processes))
	for _, p := range s.processes {
		cp := *p
		procs = append(procs, &cp)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].SubmittedAt.Before(procs[j].SubmittedAt) })
	return procs, nil
}

func (s *BoltStore) CreateExperiment(e *types.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExperiments).Put([]byte(cp.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist experiment: %w", err)
	}
	s.experiments[cp.ID] = &cp
	return nil
}

// --- History ---

func (s *BoltStore) RecordStep(rec *types.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(rec)
}

func (s *BoltStore) recordLocked(rec *types.HistoryRecord) error {
	if rec.Finish.Before(rec.Start) {
		return fmt.Errorf("record %s: finish before start", rec.StepID)
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return appendRecord(tx, &cp)
	})
	if err != nil {
		return fmt.Errorf("failed to persist history record: %w", err)
	}
	s.history = append(s.history, &cp)
	return nil
}

// CommitStep applies one executed step's lid transitions, container move and
// history record as a single atomic mutation.
func (s *BoltStore) CommitStep(c StepCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Record == nil {
		return fmt.Errorf("step commit requires a history record")
	}
	if c.Record.Finish.Before(c.Record.Start) {
		return fmt.Errorf("record %s: finish before start", c.Record.StepID)
	}

	staged := s.state.clone()
	changed := make(map[string]*types.Container)

	if c.Unlid != nil {
		cc, err := staged.unlid(*c.Unlid)
		if err != nil {
			return err
		}
		changed[cc.ID] = cc
	}
	if c.Move != nil {
		cc, err := staged.moveContainer(*c.Move)
		if err != nil {
			return err
		}
		changed[cc.ID] = cc
	}
	if c.Lid != nil {
		cc, err := staged.lid(*c.Lid)
		if err != nil {
			return err
		}
		changed[cc.ID] = cc
	}

	rec := *c.Record
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, cc := range changed {
			if err := persistContainers(tx, cc); err != nil {
				return err
			}
		}
		return appendRecord(tx, &rec)
	})
	if err != nil {
		return fmt.Errorf("failed to persist step commit: %w", err)
	}

	s.state = staged
	s.history = append(s.history, &rec)
	return nil
}

func (s *BoltStore) ListHistory(f HistoryFilter) ([]*types.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.HistoryRecord
	for _, r := range s.history {
		if f.Fct != "" && r.Fct != f.Fct {
			continue
		}
		if f.ExperimentID != "" && r.ExperimentID != f.ExperimentID {
			continue
		}
		if f.ProcessID != "" && r.ProcessID != f.ProcessID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.IsMovement != nil && r.IsMovement != *f.IsMovement {
			continue
		}
		if f.SourceKind != "" && r.SourceKind != f.SourceKind {
			continue
		}
		if f.TargetKind != "" && r.TargetKind != f.TargetKind {
			continue
		}
		if !f.Since.IsZero() && r.Finish.Before(f.Since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// --- Certificates ---

func (s *BoltStore) SaveCertificate(cert *types.Certificate) error {
	cp := *cert
	if cp.ID == "" {
		cp.ID = uuid.New().String()
		cert.ID = cp.ID
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCertificates).Put([]byte(cp.ID), data)
	})
}

func (s *BoltStore) GetCertificate(id string) (*types.Certificate, error) {
	var cert types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("certificate not found: %s", id)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificates(device string) ([]*types.Certificate, error) {
	var certs []*types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if device == "" || cert.Device == device {
				certs = append(certs, &cert)
			}
			return nil
		})
	})
	return certs, err
}

func (s *BoltStore) DeleteCertificate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).Delete([]byte(id))
	})
}

// --- Utility ---

// WipeLab resets the whole lab: devices, containers, processes and history.
func (s *BoltStore) WipeLab() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to wipe lab: %w", err)
	}

	s.state = newLabState()
	s.processes = make(map[string]*types.Process)
	s.experiments = make(map[string]*types.Experiment)
	s.history = nil
	return nil
}
