package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
)

const (
	tableOrganizations = "organizations"
	tablePlaybooks     = "playbooks"
	tableRuns          = "runs"
	tableRunGroups     = "run_groups"
	tableRunEvents     = "run_events"
	tableSchedules     = "schedules"
)

// Records wrap domain rows with string keys so memdb can index them.
type orgRecord struct {
	Key string
	Org *Organization
}

type playbookRecord struct {
	Key      string
	OrgKey   string
	Playbook *Playbook
}

type runRecord struct {
	Key         string
	GroupKey    string
	PlaybookKey string
	Run         *PlaybookRun
}

type groupRecord struct {
	Key   string
	Group *PlaybookRunGroup
}

type eventRecord struct {
	Key   string // run id + "/" + zero-padded sequence
	Event *RunEvent
}

type scheduleRecord struct {
	Key         string
	PlaybookKey string
	Schedule    *PlaybookSchedule
}

func keyIndex() *memdb.IndexSchema {
	return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}}
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableOrganizations: {
				Name:    tableOrganizations,
				Indexes: map[string]*memdb.IndexSchema{"id": keyIndex()},
			},
			tablePlaybooks: {
				Name: tablePlaybooks,
				Indexes: map[string]*memdb.IndexSchema{
					"id":  keyIndex(),
					"org": {Name: "org", Indexer: &memdb.StringFieldIndex{Field: "OrgKey"}},
				},
			},
			tableRuns: {
				Name: tableRuns,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       keyIndex(),
					"group":    {Name: "group", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "GroupKey"}},
					"playbook": {Name: "playbook", Indexer: &memdb.StringFieldIndex{Field: "PlaybookKey"}},
				},
			},
			tableRunGroups: {
				Name:    tableRunGroups,
				Indexes: map[string]*memdb.IndexSchema{"id": keyIndex()},
			},
			tableRunEvents: {
				Name:    tableRunEvents,
				Indexes: map[string]*memdb.IndexSchema{"id": keyIndex()},
			},
			tableSchedules: {
				Name: tableSchedules,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       keyIndex(),
					"playbook": {Name: "playbook", Indexer: &memdb.StringFieldIndex{Field: "PlaybookKey"}},
				},
			},
		},
	}
}

// MemoryStore implements Store on go-memdb. Every value is deep-copied on the way
// in and out, through JSON, so callers see the same shapes the SQL store returns.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func clone[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy %T: %w", v, err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("copy %T: %w", v, err)
	}
	return out, nil
}

func first[R any](txn *memdb.Txn, table string, key string) (*R, error) {
	raw, err := txn.First(table, "id", key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*R), nil
}

// --- Organizations ---

func (m *MemoryStore) CreateOrganization(_ context.Context, org *Organization) error {
	org.CreatedAt = timeOrNow(org.CreatedAt)
	cp, err := clone(org)
	if err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if existing, err := first[orgRecord](txn, tableOrganizations, org.ID.String()); err != nil {
		return err
	} else if existing != nil {
		return storeConflict("organization", org.ID)
	}
	if err := txn.Insert(tableOrganizations, &orgRecord{Key: org.ID.String(), Org: cp}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id uuid.UUID) (*Organization, error) {
	txn := m.db.Txn(false)
	rec, err := first[orgRecord](txn, tableOrganizations, id.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storeNotFound("organization", id)
	}
	return clone(rec.Org)
}

func (m *MemoryStore) SetOrganizationEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	rec, err := first[orgRecord](txn, tableOrganizations, id.String())
	if err != nil {
		return err
	}
	if rec == nil {
		return storeNotFound("organization", id)
	}
	org := *rec.Org
	org.Enabled = enabled
	if err := txn.Insert(tableOrganizations, &orgRecord{Key: rec.Key, Org: &org}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- Playbooks ---

func (m *MemoryStore) CreatePlaybook(_ context.Context, pb *Playbook) error {
	pb.CreatedAt = timeOrNow(pb.CreatedAt)
	pb.UpdatedAt = timeOrNow(pb.UpdatedAt)
	cp, err := clone(pb)
	if err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if existing, err := first[playbookRecord](txn, tablePlaybooks, pb.ID.String()); err != nil {
		return err
	} else if existing != nil {
		return storeConflict("playbook", pb.ID)
	}
	rec := &playbookRecord{Key: pb.ID.String(), OrgKey: pb.OrganizationID.String(), Playbook: cp}
	if err := txn.Insert(tablePlaybooks, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetPlaybook(_ context.Context, id uuid.UUID) (*Playbook, error) {
	txn := m.db.Txn(false)
	rec, err := first[playbookRecord](txn, tablePlaybooks, id.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storeNotFound("playbook", id)
	}
	return clone(rec.Playbook)
}

func (m *MemoryStore) ListPlaybooks(_ context.Context, filter PlaybookFilter) ([]*Playbook, error) {
	txn := m.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.OrganizationID != nil {
		it, err = txn.Get(tablePlaybooks, "org", filter.OrganizationID.String())
	} else {
		it, err = txn.Get(tablePlaybooks, "id")
	}
	if err != nil {
		return nil, err
	}

	var out []*Playbook
	for raw := it.Next(); raw != nil; raw = it.Next() {
		pb := raw.(*playbookRecord).Playbook
		if filter.EnabledOnly && !pb.Enabled {
			continue
		}
		cp, err := clone(pb)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	slices.SortStableFunc(out, func(a, b *Playbook) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PublishDefinition(_ context.Context, playbookID uuid.UUID, serialized string) (int, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	rec, err := first[playbookRecord](txn, tablePlaybooks, playbookID.String())
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, storeNotFound("playbook", playbookID)
	}
	pb := *rec.Playbook
	pb.Definition = serialized
	pb.DefinitionVersion++
	pb.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tablePlaybooks, &playbookRecord{Key: rec.Key, OrgKey: rec.OrgKey, Playbook: &pb}); err != nil {
		return 0, err
	}
	txn.Commit()
	return pb.DefinitionVersion, nil
}

// --- Runs ---

func newRunRecord(run *PlaybookRun) (*runRecord, error) {
	cp, err := clone(run)
	if err != nil {
		return nil, err
	}
	rec := &runRecord{Key: run.ID.String(), PlaybookKey: run.PlaybookID.String(), Run: cp}
	if run.GroupID != nil {
		rec.GroupKey = run.GroupID.String()
	}
	return rec, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *PlaybookRun, history []*RunEvent) error {
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	rec, err := newRunRecord(run)
	if err != nil {
		return err
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	if existing, err := first[runRecord](txn, tableRuns, rec.Key); err != nil {
		return err
	} else if existing != nil {
		return storeConflict("run", run.ID)
	}
	if err := txn.Insert(tableRuns, rec); err != nil {
		return err
	}
	if err := m.appendHistory(txn, run.ID, history); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*PlaybookRun, error) {
	txn := m.db.Txn(false)
	rec, err := first[runRecord](txn, tableRuns, id.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storeNotFound("run", id)
	}
	return clone(rec.Run)
}

func (m *MemoryStore) SaveRunIfVersionMatches(_ context.Context, run *PlaybookRun, expected int, history []*RunEvent) (bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	current, err := first[runRecord](txn, tableRuns, run.ID.String())
	if err != nil {
		return false, err
	}
	if current == nil || current.Run.Version != expected {
		return false, nil
	}

	now := time.Now().UTC()
	next := *run
	next.Version = expected + 1
	next.UpdatedAt = now
	// Identity columns are immutable, same as the SQL UPDATE.
	next.PlaybookID = current.Run.PlaybookID
	next.OrganizationID = current.Run.OrganizationID
	next.GroupID = current.Run.GroupID
	next.SerializedDefinition = current.Run.SerializedDefinition
	next.DefinitionVersion = current.Run.DefinitionVersion
	next.TriggerType = current.Run.TriggerType
	next.TriggerData = current.Run.TriggerData
	next.CreatedAt = current.Run.CreatedAt

	rec, err := newRunRecord(&next)
	if err != nil {
		return false, err
	}
	if err := txn.Insert(tableRuns, rec); err != nil {
		return false, err
	}
	if err := m.appendHistory(txn, run.ID, history); err != nil {
		return false, err
	}
	txn.Commit()

	run.Version = expected + 1
	run.UpdatedAt = now
	return true, nil
}

func eventKey(runID uuid.UUID, seq int64) string {
	return fmt.Sprintf("%s/%020d", runID, seq)
}

func (m *MemoryStore) lastSequence(txn *memdb.Txn, runID uuid.UUID) (int64, error) {
	it, err := txn.Get(tableRunEvents, "id_prefix", runID.String()+"/")
	if err != nil {
		return 0, err
	}
	var seq int64
	for raw := it.Next(); raw != nil; raw = it.Next() {
		seq = raw.(*eventRecord).Event.Sequence
	}
	return seq, nil
}

func (m *MemoryStore) appendHistory(txn *memdb.Txn, runID uuid.UUID, history []*RunEvent) error {
	if len(history) == 0 {
		return nil
	}
	seq, err := m.lastSequence(txn, runID)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	for _, e := range history {
		seq++
		e.RunID = runID
		e.Sequence = seq
		e.Timestamp = timeOrNow(e.Timestamp)
		cp, err := clone(e)
		if err != nil {
			return err
		}
		if err := txn.Insert(tableRunEvents, &eventRecord{Key: eventKey(runID, seq), Event: cp}); err != nil {
			return fmt.Errorf("insert run event: %w", err)
		}
	}
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*PlaybookRun, error) {
	txn := m.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.GroupID != nil:
		it, err = txn.Get(tableRuns, "group", filter.GroupID.String())
	case filter.PlaybookID != nil:
		it, err = txn.Get(tableRuns, "playbook", filter.PlaybookID.String())
	default:
		it, err = txn.Get(tableRuns, "id")
	}
	if err != nil {
		return nil, err
	}

	var matched []*PlaybookRun
	for raw := it.Next(); raw != nil; raw = it.Next() {
		run := raw.(*runRecord).Run
		if filter.PlaybookID != nil && run.PlaybookID != *filter.PlaybookID {
			continue
		}
		if filter.State != nil && run.State != *filter.State {
			continue
		}
		if filter.SuspendedUntil != nil && (run.SuspendedUntil == nil || run.SuspendedUntil.After(*filter.SuspendedUntil)) {
			continue
		}
		matched = append(matched, run)
	}
	slices.SortStableFunc(matched, func(a, b *PlaybookRun) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*PlaybookRun, 0, len(matched))
	for _, run := range matched {
		cp, err := clone(run)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) GetRunHistory(_ context.Context, runID uuid.UUID, since int64) ([]*RunEvent, error) {
	txn := m.db.Txn(false)
	it, err := txn.LowerBound(tableRunEvents, "id", eventKey(runID, since+1))
	if err != nil {
		return nil, err
	}
	prefix := runID.String() + "/"

	var events []*RunEvent
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*eventRecord)
		if !strings.HasPrefix(rec.Key, prefix) {
			break
		}
		cp, err := clone(rec.Event)
		if err != nil {
			return nil, err
		}
		events = append(events, cp)
	}
	return events, nil
}

// --- Run groups ---

func (m *MemoryStore) CreateRunGroup(_ context.Context, group *PlaybookRunGroup) error {
	group.CreatedAt = timeOrNow(group.CreatedAt)
	group.UpdatedAt = timeOrNow(group.UpdatedAt)
	cp, err := clone(group)
	if err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if existing, err := first[groupRecord](txn, tableRunGroups, group.ID.String()); err != nil {
		return err
	} else if existing != nil {
		return storeConflict("run group", group.ID)
	}
	if err := txn.Insert(tableRunGroups, &groupRecord{Key: group.ID.String(), Group: cp}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetRunGroup(_ context.Context, id uuid.UUID) (*PlaybookRunGroup, error) {
	txn := m.db.Txn(false)
	rec, err := first[groupRecord](txn, tableRunGroups, id.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storeNotFound("run group", id)
	}
	return clone(rec.Group)
}

func (m *MemoryStore) SaveRunGroupIfVersionMatches(_ context.Context, group *PlaybookRunGroup, expected int) (bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	current, err := first[groupRecord](txn, tableRunGroups, group.ID.String())
	if err != nil {
		return false, err
	}
	if current == nil || current.Group.Version != expected {
		return false, nil
	}

	now := time.Now().UTC()
	next := *group
	next.Version = expected + 1
	next.UpdatedAt = now
	next.PlaybookID = current.Group.PlaybookID
	next.OrganizationID = current.Group.OrganizationID
	next.CreatedAt = current.Group.CreatedAt
	cp, err := clone(&next)
	if err != nil {
		return false, err
	}
	if err := txn.Insert(tableRunGroups, &groupRecord{Key: current.Key, Group: cp}); err != nil {
		return false, err
	}
	txn.Commit()

	group.Version = expected + 1
	group.UpdatedAt = now
	return true, nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, sched *PlaybookSchedule) error {
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	cp, err := clone(sched)
	if err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if existing, err := first[scheduleRecord](txn, tableSchedules, sched.ID.String()); err != nil {
		return err
	} else if existing != nil {
		return storeConflict("schedule", sched.ID)
	}
	rec := &scheduleRecord{Key: sched.ID.String(), PlaybookKey: sched.PlaybookID.String(), Schedule: cp}
	if err := txn.Insert(tableSchedules, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*PlaybookSchedule, error) {
	txn := m.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.PlaybookID != nil {
		it, err = txn.Get(tableSchedules, "playbook", filter.PlaybookID.String())
	} else {
		it, err = txn.Get(tableSchedules, "id")
	}
	if err != nil {
		return nil, err
	}

	var out []*PlaybookSchedule
	for raw := it.Next(); raw != nil; raw = it.Next() {
		sc := raw.(*scheduleRecord).Schedule
		if filter.Enabled != nil && sc.Enabled != *filter.Enabled {
			continue
		}
		cp, err := clone(sc)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	slices.SortStableFunc(out, func(a, b *PlaybookSchedule) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id uuid.UUID, update ScheduleUpdate) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	rec, err := first[scheduleRecord](txn, tableSchedules, id.String())
	if err != nil {
		return err
	}
	if rec == nil {
		return storeNotFound("schedule", id)
	}
	sc := *rec.Schedule
	if update.Enabled != nil {
		sc.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := update.LastRunAt.UTC()
		sc.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := update.NextRunAt.UTC()
		sc.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		sc.LastRunStatus = update.LastRunStatus
	}
	if err := txn.Insert(tableSchedules, &scheduleRecord{Key: rec.Key, PlaybookKey: rec.PlaybookKey, Schedule: &sc}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

var _ Store = (*MemoryStore)(nil)
