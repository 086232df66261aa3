package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// the composition root for one client instance: an explicit,
// dependency-injected set of services with one init/teardown lifecycle.
// multiple browser tabs are independent clients with no shared state.

type CanvasClientSettings struct {
	Connection *ConnectionManagerSettings
	Optimizer  *EventOptimizerSettings
	Batcher    *BatchUpdateManagerSettings
	Reconciler *StateReconcilerSettings
	Cursor     *CursorBroadcasterSettings
}

func DefaultCanvasClientSettings() *CanvasClientSettings {
	return &CanvasClientSettings{
		Connection: DefaultConnectionManagerSettings(),
		Optimizer:  DefaultEventOptimizerSettings(),
		Batcher:    DefaultBatchUpdateManagerSettings(),
		Reconciler: DefaultStateReconcilerSettings(),
		Cursor:     DefaultCursorBroadcasterSettings(),
	}
}

type CanvasClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth *CanvasAuth

	manager    *ConnectionManager
	optimizer  *EventOptimizer
	batcher    *BatchUpdateManager
	reconciler *StateReconciler
	cursor     *CursorBroadcaster
	presence   *PresenceTracker
	api        *CanvasApi

	// local replica of the canvas object set, used for z-order resolution
	// and reconciliation comparison. Never a source of truth for rendering.
	stateLock sync.Mutex
	objects   map[string]CanvasObject

	unbindReconciler func()
	unsubscribe      func()
}

func NewCanvasClientWithDefaults(
	ctx context.Context,
	connectUrl string,
	apiUrl string,
	auth *CanvasAuth,
) *CanvasClient {
	return NewCanvasClient(ctx, connectUrl, apiUrl, auth, DefaultCanvasClientSettings())
}

func NewCanvasClient(
	ctx context.Context,
	connectUrl string,
	apiUrl string,
	auth *CanvasAuth,
	settings *CanvasClientSettings,
) *CanvasClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	manager := NewConnectionManager(cancelCtx, connectUrl, settings.Connection)
	api := NewCanvasApiWithContext(cancelCtx, apiUrl)
	api.SetAuthToken(auth.Token)

	client := &CanvasClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		auth:       auth,
		manager:    manager,
		optimizer:  NewEventOptimizer(cancelCtx, manager, settings.Optimizer),
		batcher:    NewBatchUpdateManager(cancelCtx, manager, settings.Batcher),
		reconciler: NewStateReconciler(api, &LastWriteWinsPolicy{}, settings.Reconciler),
		presence:   NewPresenceTracker(manager),
		api:        api,
		objects:    map[string]CanvasObject{},
	}
	client.cursor = NewCursorBroadcaster(cancelCtx, manager, auth, settings.Cursor)

	client.unbindReconciler = client.reconciler.BindConnection(
		cancelCtx,
		manager,
		auth.CanvasId,
		client.Objects,
		client.applyMerged,
	)
	client.unsubscribe = manager.Subscribe(
		client.handleObjectEvent,
		EventKind(MessageJoinedCanvas),
		EventKind(MessageObjectCreated),
		EventKind(MessageObjectUpdated),
		EventKind(MessageObjectDeleted),
	)

	return client
}

func (self *CanvasClient) Connection() *ConnectionManager {
	return self.manager
}

func (self *CanvasClient) Optimizer() *EventOptimizer {
	return self.optimizer
}

func (self *CanvasClient) Batcher() *BatchUpdateManager {
	return self.batcher
}

func (self *CanvasClient) Reconciler() *StateReconciler {
	return self.reconciler
}

func (self *CanvasClient) Cursor() *CursorBroadcaster {
	return self.cursor
}

func (self *CanvasClient) Presence() *PresenceTracker {
	return self.presence
}

func (self *CanvasClient) Connect() error {
	return self.manager.Connect(self.auth)
}

func (self *CanvasClient) Objects() []CanvasObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.objects)
}

func (self *CanvasClient) applyMerged(objects []CanvasObject) {
	self.stateLock.Lock()
	maps.Clear(self.objects)
	for _, obj := range objects {
		self.objects[obj.ObjectId] = obj
	}
	self.stateLock.Unlock()
}

func (self *CanvasClient) handleObjectEvent(event *ConnectionEvent) {
	if event.Message == nil {
		return
	}

	switch event.Message.Kind {
	case MessageJoinedCanvas:
		joined := JoinedCanvasResult{}
		if err := json.Unmarshal(event.Message.Payload, &joined); err != nil {
			return
		}
		self.applyMerged(joined.Objects)
	case MessageObjectCreated, MessageObjectUpdated:
		args := ObjectArgs{}
		if err := json.Unmarshal(event.Message.Payload, &args); err != nil || args.Object == nil {
			return
		}
		self.stateLock.Lock()
		existing, ok := self.objects[args.Object.ObjectId]
		if !ok || !args.Object.UpdatedAt.Before(existing.UpdatedAt) {
			self.objects[args.Object.ObjectId] = *args.Object
		}
		self.stateLock.Unlock()
	case MessageObjectDeleted:
		args := ObjectArgs{}
		if err := json.Unmarshal(event.Message.Payload, &args); err != nil || args.ObjectId == "" {
			return
		}
		self.stateLock.Lock()
		delete(self.objects, args.ObjectId)
		self.stateLock.Unlock()
	}
}

// creates an object locally, resolves its layer synchronously, and queues
// the create for send
func (self *CanvasClient) CreateObject(
	objectType string,
	position Position,
	properties map[string]any,
	mode ZIndexMode,
) (*CanvasObject, error) {
	self.stateLock.Lock()
	obj := CanvasObject{
		ObjectId:   NewId().String(),
		Type:       objectType,
		Position:   position,
		Properties: properties,
		ZIndex:     ResolveZIndex(maps.Values(self.objects), position, mode),
		UpdatedAt:  time.Now(),
	}
	self.objects[obj.ObjectId] = obj
	self.stateLock.Unlock()

	_, err := self.batcher.AddUpdate(obj.ObjectId, BatchOpCreate, &ObjectArgs{
		CanvasId:  self.auth.CanvasId,
		AuthToken: self.auth.Token,
		ObjectId:  obj.ObjectId,
		Object:    &obj,
	}, PriorityHigh)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (self *CanvasClient) MoveObject(objectId string, position Position, priority Priority) (Id, error) {
	self.stateLock.Lock()
	if obj, ok := self.objects[objectId]; ok {
		obj.Position = position
		obj.UpdatedAt = time.Now()
		self.objects[objectId] = obj
	}
	self.stateLock.Unlock()

	return self.batcher.AddUpdate(objectId, BatchOpPosition, &ObjectArgs{
		CanvasId:  self.auth.CanvasId,
		AuthToken: self.auth.Token,
		ObjectId:  objectId,
		Properties: map[string]any{
			"x": position.X,
			"y": position.Y,
		},
	}, priority)
}

func (self *CanvasClient) UpdateObjectProperties(objectId string, properties map[string]any, priority Priority) (Id, error) {
	self.stateLock.Lock()
	if obj, ok := self.objects[objectId]; ok {
		if obj.Properties == nil {
			obj.Properties = map[string]any{}
		}
		maps.Copy(obj.Properties, properties)
		obj.UpdatedAt = time.Now()
		self.objects[objectId] = obj
	}
	self.stateLock.Unlock()

	return self.batcher.AddUpdate(objectId, BatchOpProperties, &ObjectArgs{
		CanvasId:   self.auth.CanvasId,
		AuthToken:  self.auth.Token,
		ObjectId:   objectId,
		Properties: properties,
	}, priority)
}

func (self *CanvasClient) DeleteObject(objectId string) (Id, error) {
	self.stateLock.Lock()
	delete(self.objects, objectId)
	self.stateLock.Unlock()

	self.batcher.Cancel(objectId)
	return self.batcher.AddUpdate(objectId, BatchOpDelete, &ObjectArgs{
		CanvasId:  self.auth.CanvasId,
		AuthToken: self.auth.Token,
		ObjectId:  objectId,
	}, PriorityHigh)
}

func (self *CanvasClient) BringObjectToFront(objectId string) (Id, error) {
	return self.restack(objectId, BringToFront)
}

func (self *CanvasClient) SendObjectToBack(objectId string) (Id, error) {
	return self.restack(objectId, SendToBack)
}

func (self *CanvasClient) restack(
	objectId string,
	resolve func(objects []CanvasObject, objectId string) (int, bool),
) (Id, error) {
	self.stateLock.Lock()
	zIndex, ok := resolve(maps.Values(self.objects), objectId)
	if !ok {
		self.stateLock.Unlock()
		return Id{}, NewValidationError("object_id", "unknown object %s", objectId)
	}
	obj := self.objects[objectId]
	obj.ZIndex = zIndex
	obj.UpdatedAt = time.Now()
	self.objects[objectId] = obj
	self.stateLock.Unlock()

	return self.batcher.AddUpdate(objectId, BatchOpProperties, &ObjectArgs{
		CanvasId:  self.auth.CanvasId,
		AuthToken: self.auth.Token,
		ObjectId:  objectId,
		Properties: map[string]any{
			"z_index": zIndex,
		},
	}, PriorityHigh)
}

// forces all pending work out before an exit that must guarantee delivery
func (self *CanvasClient) Flush() {
	self.batcher.Flush()
	self.optimizer.Flush()
}

func (self *CanvasClient) Disconnect() {
	self.Flush()
	self.manager.Disconnect()
}

func (self *CanvasClient) Close() {
	glog.V(1).Infof("[client]close %s\n", self.auth.CanvasId)
	self.Flush()
	self.unsubscribe()
	self.unbindReconciler()
	self.cursor.Close()
	self.presence.Close()
	self.batcher.Close()
	self.optimizer.Close()
	self.api.Close()
	self.manager.Close()
	self.cancel()
}
