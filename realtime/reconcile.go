package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// state reconciliation backs up the locally-known object set before a
// disconnect, restores it on reconnect, and diff-syncs it against an
// authoritative snapshot fetched from the backend.

// the merge strategy is an explicit, swappable policy. The default is
// last-write-wins by wall-clock timestamp on a whole-object basis, with no
// field-level conflict detection.
type MergePolicy interface {
	Merge(local []CanvasObject, server []CanvasObject) []CanvasObject
}

type LastWriteWinsPolicy struct{}

func (self *LastWriteWinsPolicy) Merge(local []CanvasObject, server []CanvasObject) []CanvasObject {
	merged := map[string]CanvasObject{}
	// objects present only locally are kept as-is,
	// treated as not-yet-acknowledged local creations
	for _, obj := range local {
		merged[obj.ObjectId] = obj
	}
	for _, obj := range server {
		localObj, ok := merged[obj.ObjectId]
		if !ok || localObj.UpdatedAt.Before(obj.UpdatedAt) {
			merged[obj.ObjectId] = obj
		}
	}

	out := maps.Values(merged)
	sort.Slice(out, func(i int, j int) bool {
		return out[i].ObjectId < out[j].ObjectId
	})
	return out
}

// per canvas-id snapshot. At most one live backup per canvas id.
type ObjectStateBackup struct {
	CanvasId   string
	Objects    []CanvasObject
	CapturedAt time.Time
}

type StateReconcilerSettings struct {
	// a backup older than this is indistinguishable from no backup
	BackupTtl time.Duration
}

func DefaultStateReconcilerSettings() *StateReconcilerSettings {
	return &StateReconcilerSettings{
		BackupTtl: 5 * time.Minute,
	}
}

type StateReconciler struct {
	source   CanvasObjectSource
	policy   MergePolicy
	settings *StateReconcilerSettings

	stateLock sync.Mutex
	// canvas id -> backup
	backups map[string]*ObjectStateBackup
}

func NewStateReconcilerWithDefaults(source CanvasObjectSource) *StateReconciler {
	return NewStateReconciler(source, &LastWriteWinsPolicy{}, DefaultStateReconcilerSettings())
}

func NewStateReconciler(
	source CanvasObjectSource,
	policy MergePolicy,
	settings *StateReconcilerSettings,
) *StateReconciler {
	return &StateReconciler{
		source:   source,
		policy:   policy,
		settings: settings,
		backups:  map[string]*ObjectStateBackup{},
	}
}

// overwrites any prior snapshot for the canvas
func (self *StateReconciler) Backup(canvasId string, objects []CanvasObject) {
	snapshot := make([]CanvasObject, len(objects))
	copy(snapshot, objects)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.backups[canvasId] = &ObjectStateBackup{
		CanvasId:   canvasId,
		Objects:    snapshot,
		CapturedAt: time.Now(),
	}
	glog.V(1).Infof("[rec]backup %s x%d\n", canvasId, len(snapshot))
}

// consumes the snapshot. A stale snapshot is discarded and an empty
// result returned.
func (self *StateReconciler) Restore(canvasId string) []CanvasObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	backup, ok := self.backups[canvasId]
	if !ok {
		return nil
	}
	delete(self.backups, canvasId)
	if self.settings.BackupTtl <= time.Since(backup.CapturedAt) {
		glog.V(1).Infof("[rec]discard stale backup %s\n", canvasId)
		return nil
	}
	return backup.Objects
}

// reports whether the authoritative object-id set exactly matches
// `expectedIds`. Mismatches are reported, never fixed here.
func (self *StateReconciler) ValidateConsistency(
	ctx context.Context,
	canvasId string,
	expectedIds []string,
) (bool, error) {
	serverObjects, err := self.source.FetchCanvasObjects(ctx, canvasId)
	if err != nil {
		return false, err
	}

	serverIds := map[string]bool{}
	for _, obj := range serverObjects {
		serverIds[obj.ObjectId] = true
	}
	expectedIdSet := map[string]bool{}
	for _, objectId := range expectedIds {
		expectedIdSet[objectId] = true
	}

	// missing: expected but not on the server
	// extra: on the server but not expected
	missingIds := []string{}
	for objectId := range expectedIdSet {
		if !serverIds[objectId] {
			missingIds = append(missingIds, objectId)
		}
	}
	extraIds := []string{}
	for objectId := range serverIds {
		if !expectedIdSet[objectId] {
			extraIds = append(extraIds, objectId)
		}
	}

	if len(missingIds) == 0 && len(extraIds) == 0 {
		return true, nil
	}

	sort.Strings(missingIds)
	sort.Strings(extraIds)
	reconciliationError := &ReconciliationError{
		CanvasId:   canvasId,
		MissingIds: missingIds,
		ExtraIds:   extraIds,
	}
	glog.Infof("[rec]%s\n", reconciliationError)
	return false, reconciliationError
}

// best-effort merge of the local replica against the authoritative snapshot.
// idempotent for a fixed server snapshot.
func (self *StateReconciler) Sync(
	ctx context.Context,
	canvasId string,
	local []CanvasObject,
) ([]CanvasObject, error) {
	serverObjects, err := self.source.FetchCanvasObjects(ctx, canvasId)
	if err != nil {
		return nil, err
	}
	merged := self.policy.Merge(local, serverObjects)
	glog.V(1).Infof("[rec]sync %s local=%d server=%d merged=%d\n",
		canvasId, len(local), len(serverObjects), len(merged))
	return merged, nil
}

type MergedFunction func(objects []CanvasObject)

// wires the reconciler to a connection: the local object set is backed up
// when the connection drops and restored+synced when it comes back.
// the returned func unsubscribes.
func (self *StateReconciler) BindConnection(
	ctx context.Context,
	manager *ConnectionManager,
	canvasId string,
	snapshot func() []CanvasObject,
	merged MergedFunction,
) func() {
	unsubDrop := manager.Subscribe(func(event *ConnectionEvent) {
		self.Backup(canvasId, snapshot())
	}, EventDisconnected)

	unsubConnect := manager.Subscribe(func(event *ConnectionEvent) {
		// subscribers must not block. The fetch runs off the dispatch path.
		go func() {
			local := self.Restore(canvasId)
			if local == nil {
				local = snapshot()
			}
			mergedObjects, err := self.Sync(ctx, canvasId, local)
			if err != nil {
				glog.Infof("[rec]sync error %s = %s\n", canvasId, err)
				return
			}
			merged(mergedObjects)
		}()
	}, EventConnected)

	return func() {
		unsubDrop()
		unsubConnect()
	}
}
