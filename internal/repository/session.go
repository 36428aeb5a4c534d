package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TxHook runs inside the transaction of a session save.
type TxHook func(tx *gorm.DB) error

// Session is a buffered view of the repository owned by one caller. It is not safe for
// concurrent use. Changes stay local until Save, which applies all of them in a single
// transaction or none of them.
type Session struct {
	repo     *Repository
	userID   string
	cache    map[string]*Node
	byPath   map[string]string
	added    []string
	addedSet map[string]struct{}
	modified map[string]struct{}
	touched  map[string]struct{}
	removed  map[string]*Node
	hooks    []TxHook
}

func newSession(repo *Repository, userID string) *Session {
	session := &Session{repo: repo, userID: userID}
	session.reset()
	return session
}

func (s *Session) reset() {
	s.cache = make(map[string]*Node)
	s.byPath = make(map[string]string)
	s.added = nil
	s.addedSet = make(map[string]struct{})
	s.modified = make(map[string]struct{})
	s.touched = make(map[string]struct{})
	s.removed = make(map[string]*Node)
	s.hooks = nil
}

// UserID returns the identity the session was opened for.
func (s *Session) UserID() string {
	return s.userID
}

// Repository returns the owning repository.
func (s *Session) Repository() *Repository {
	return s.repo
}

// GetNode returns the node at path as seen by this session.
func (s *Session) GetNode(ctx context.Context, rawPath string) (*Node, error) {
	path, err := NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	if s.isRemovedPath(path) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, path)
	}
	if id, ok := s.byPath[path]; ok {
		if node, cached := s.cache[id]; cached {
			return node, nil
		}
	}
	var stored Node
	err = FindOne(s.repo.db.WithContext(ctx).Where("path = ?", path), &stored)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, path)
	}
	if err != nil {
		s.repo.logError(opGetNode, "query_failed", err, zap.String("path", path))
		return nil, newError(opGetNode, "query_failed", err)
	}
	return s.remember(&stored), nil
}

// GetNodeByID returns the node with the given identifier.
func (s *Session) GetNodeByID(ctx context.Context, id string) (*Node, error) {
	if node, ok := s.cache[id]; ok {
		if s.isRemovedNode(node) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		return node, nil
	}
	var stored Node
	err := FindOne(s.repo.db.WithContext(ctx).Where("node_id = ?", id), &stored)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		s.repo.logError(opGetNode, "query_failed", err, zap.String("node_id", id))
		return nil, newError(opGetNode, "query_failed", err)
	}
	if s.isRemovedNode(&stored) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return s.remember(&stored), nil
}

// Children returns the child nodes of parent ordered by path, including unsaved additions.
func (s *Session) Children(ctx context.Context, parent *Node) ([]*Node, error) {
	var stored []Node
	if _, isNew := s.addedSet[parent.ID]; !isNew {
		if err := s.repo.db.WithContext(ctx).
			Where("parent_id = ?", parent.ID).
			Order("path ASC").
			Find(&stored).Error; err != nil {
			s.repo.logError(opChildren, "query_failed", err, zap.String("path", parent.Path))
			return nil, newError(opChildren, "query_failed", err)
		}
	}
	seen := make(map[string]struct{}, len(stored))
	children := make([]*Node, 0, len(stored))
	for index := range stored {
		if _, gone := s.removed[stored[index].ID]; gone {
			continue
		}
		node := s.remember(&stored[index])
		seen[node.ID] = struct{}{}
		children = append(children, node)
	}
	for _, id := range s.added {
		node := s.cache[id]
		if node.ParentID != parent.ID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		children = append(children, node)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Path < children[j].Path
	})
	return children, nil
}

// AddNode adds an unqualified child of the named type below parent.
func (s *Session) AddNode(ctx context.Context, parent *Node, name, nodeType string) (*Node, error) {
	return s.AddQualifiedNode(ctx, parent, name, "", nodeType)
}

// AddQualifiedNode adds a child whose path segment is name[qualifier].
func (s *Session) AddQualifiedNode(ctx context.Context, parent *Node, name, qualifier, nodeType string) (*Node, error) {
	ref, err := s.repo.schema.ResolveNodeType(ctx, nodeType)
	if err != nil {
		return nil, err
	}
	return s.AddNodeWithRef(ctx, parent, name, qualifier, ref)
}

// AddNodeWithRef adds a child bound to an already resolved type version.
func (s *Session) AddNodeWithRef(ctx context.Context, parent *Node, name, qualifier string, ref TypeRef) (*Node, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: parent required", ErrItemNotFound)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if qualifier != "" {
		if err := validateName(qualifier); err != nil {
			return nil, err
		}
	}
	if s.isRemovedNode(parent) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, parent.Path)
	}
	path := JoinPath(parent.Path, Segment(name, qualifier))
	exists, err := s.pathExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: item exists at %s", ErrConflict, path)
	}
	id, err := s.repo.ids.NewID()
	if err != nil {
		return nil, newError(opAddNode, "id_generation_failed", err)
	}
	now := s.repo.clock().UTC().Unix()
	node := &Node{
		ID:               id,
		ParentID:         parent.ID,
		Name:             name,
		Qualifier:        qualifier,
		Path:             path,
		PrimaryType:      ref.Name,
		TypeNamespace:    ref.Namespace,
		Properties:       map[string]any{},
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	s.cache[parent.ID] = parent
	s.cache[id] = node
	s.byPath[path] = id
	s.added = append(s.added, id)
	s.addedSet[id] = struct{}{}
	return node, nil
}

// RemoveNode removes node and its subtree.
func (s *Session) RemoveNode(node *Node) {
	if node == nil {
		return
	}
	_, isNew := s.addedSet[node.ID]
	for id, cached := range s.cache {
		if cached.Path == node.Path || isDescendantPath(cached.Path, node.Path) {
			if _, added := s.addedSet[id]; added {
				s.dropAdded(id)
				continue
			}
			if isNew {
				continue
			}
			delete(s.modified, id)
			delete(s.touched, id)
		}
	}
	if isNew {
		return
	}
	s.removed[node.ID] = node
}

// SetProperty sets name on node; a nil value removes the property.
func (s *Session) SetProperty(node *Node, name string, value any) error {
	if value == nil {
		return s.RemoveProperty(node, name)
	}
	if err := s.checkWritable(node); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidName)
	}
	normalized, err := NormalizeValue(value)
	if err != nil {
		return err
	}
	if node.Properties == nil {
		node.Properties = map[string]any{}
	}
	node.Properties[name] = normalized
	s.markModified(node)
	return nil
}

// RemoveProperty deletes name from node if present.
func (s *Session) RemoveProperty(node *Node, name string) error {
	if err := s.checkWritable(node); err != nil {
		return err
	}
	if _, ok := node.Properties[name]; !ok {
		return nil
	}
	delete(node.Properties, name)
	s.markModified(node)
	return nil
}

// ReplaceProperties swaps the full property map of node.
func (s *Session) ReplaceProperties(node *Node, properties map[string]any) error {
	if err := s.checkWritable(node); err != nil {
		return err
	}
	replaced := make(map[string]any, len(properties))
	for name, value := range properties {
		normalized, err := NormalizeValue(value)
		if err != nil {
			return err
		}
		replaced[name] = normalized
	}
	node.Properties = replaced
	s.markModified(node)
	return nil
}

// SetPrimaryType rebinds node to another type version in place, keeping its identity.
func (s *Session) SetPrimaryType(node *Node, ref TypeRef) error {
	if err := s.checkWritable(node); err != nil {
		return err
	}
	node.PrimaryType = ref.Name
	node.TypeNamespace = ref.Namespace
	s.markModified(node)
	return nil
}

// Touch forces a version check and bump of node on the next save, so that concurrent
// savers of the same node conflict.
func (s *Session) Touch(node *Node) {
	if node == nil {
		return
	}
	if _, isNew := s.addedSet[node.ID]; isNew {
		return
	}
	s.cache[node.ID] = node
	s.byPath[node.Path] = node.ID
	s.touched[node.ID] = struct{}{}
}

// OnSave registers a hook that runs inside the next save's transaction.
func (s *Session) OnSave(hook TxHook) {
	if hook != nil {
		s.hooks = append(s.hooks, hook)
	}
}

// HasPendingChanges reports whether Save has anything to write.
func (s *Session) HasPendingChanges() bool {
	return len(s.added) > 0 || len(s.modified) > 0 || len(s.touched) > 0 || len(s.removed) > 0 || len(s.hooks) > 0
}

// Refresh drops cached state so the next reads observe other sessions' saves. Without
// keepChanges, pending changes are discarded too.
func (s *Session) Refresh(keepChanges bool) {
	if !keepChanges || !s.HasPendingChanges() {
		s.reset()
		return
	}
	for id, node := range s.cache {
		if s.isPending(id) {
			continue
		}
		delete(s.cache, id)
		if s.byPath[node.Path] == id {
			delete(s.byPath, node.Path)
		}
	}
}

// Save validates and persists every pending change atomically.
func (s *Session) Save(ctx context.Context) error {
	if !s.HasPendingChanges() {
		return nil
	}
	if err := s.validate(ctx); err != nil {
		return err
	}

	now := s.repo.clock().UTC()
	removals := s.orderedRemovals()
	updates := s.orderedUpdates()
	events := make([]ChangeEvent, 0, len(removals)+len(s.added)+len(updates))

	err := s.repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, node := range removals {
			result := tx.Where("node_id = ? AND version = ?", node.ID, node.Version).Delete(&Node{})
			if result.Error != nil {
				return newError(opSave, "delete_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %s was modified or removed concurrently", ErrConflict, node.Path)
			}
			prefix := JoinPath(node.Path, "")
			if err := tx.Where("substr(path, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix).Delete(&Node{}).Error; err != nil {
				return newError(opSave, "delete_failed", err)
			}
			events = append(events, ChangeEvent{Type: EventNodeRemoved, NodeID: node.ID, Path: node.Path, UserID: s.userID, Timestamp: now})
		}
		for _, id := range s.added {
			node := s.cache[id]
			record := node.clone()
			record.CreatedAtSeconds = now.Unix()
			record.UpdatedAtSeconds = now.Unix()
			if err := tx.Create(record).Error; err != nil {
				if isDuplicateKey(err) {
					return fmt.Errorf("%w: item exists at %s", ErrConflict, node.Path)
				}
				return newError(opSave, "insert_failed", err)
			}
			events = append(events, ChangeEvent{Type: EventNodeAdded, NodeID: node.ID, Path: node.Path, UserID: s.userID, Timestamp: now})
		}
		for _, node := range updates {
			properties := node.clone().Properties
			result := tx.Model(&Node{}).
				Where("node_id = ? AND version = ?", node.ID, node.Version).
				Updates(map[string]any{
					"properties":     properties,
					"primary_type":   node.PrimaryType,
					"type_namespace": node.TypeNamespace,
					"version":        node.Version + 1,
					"updated_at_s":   now.Unix(),
				})
			if result.Error != nil {
				return newError(opSave, "update_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %s was modified or removed concurrently", ErrConflict, node.Path)
			}
			events = append(events, ChangeEvent{Type: EventNodeChanged, NodeID: node.ID, Path: node.Path, UserID: s.userID, Timestamp: now})
		}
		for _, hook := range s.hooks {
			if err := hook(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			s.repo.logError(opSave, "transaction_failed", err, zap.String("user_id", s.userID))
		}
		return err
	}

	for _, node := range updates {
		node.Version++
		node.UpdatedAtSeconds = now.Unix()
	}
	for _, id := range s.added {
		s.cache[id].CreatedAtSeconds = now.Unix()
		s.cache[id].UpdatedAtSeconds = now.Unix()
	}
	for _, node := range removals {
		for id, cached := range s.cache {
			if cached.Path == node.Path || isDescendantPath(cached.Path, node.Path) {
				delete(s.cache, id)
				if s.byPath[cached.Path] == id {
					delete(s.byPath, cached.Path)
				}
			}
		}
	}
	s.added = nil
	s.addedSet = make(map[string]struct{})
	s.modified = make(map[string]struct{})
	s.touched = make(map[string]struct{})
	s.removed = make(map[string]*Node)
	s.hooks = nil

	s.repo.observation.Publish(events)
	return nil
}

func (s *Session) validate(ctx context.Context) error {
	for _, id := range s.added {
		node := s.cache[id]
		parent, ok := s.cache[node.ParentID]
		if !ok {
			return fmt.Errorf("%w: parent of %s", ErrItemNotFound, node.Path)
		}
		if err := s.repo.schema.ValidateChild(ctx, parent, node); err != nil {
			return err
		}
		if err := s.repo.schema.ValidateNode(ctx, node); err != nil {
			return err
		}
	}
	for id := range s.modified {
		if err := s.repo.schema.ValidateNode(ctx, s.cache[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) orderedRemovals() []*Node {
	removals := make([]*Node, 0, len(s.removed))
	for _, node := range s.removed {
		covered := false
		for _, other := range s.removed {
			if isDescendantPath(node.Path, other.Path) {
				covered = true
				break
			}
		}
		if !covered {
			removals = append(removals, node)
		}
	}
	sort.Slice(removals, func(i, j int) bool {
		return removals[i].Path < removals[j].Path
	})
	return removals
}

func (s *Session) orderedUpdates() []*Node {
	ids := make(map[string]struct{}, len(s.modified)+len(s.touched))
	for id := range s.modified {
		ids[id] = struct{}{}
	}
	for id := range s.touched {
		ids[id] = struct{}{}
	}
	updates := make([]*Node, 0, len(ids))
	for id := range ids {
		if _, isNew := s.addedSet[id]; isNew {
			continue
		}
		if _, gone := s.removed[id]; gone {
			continue
		}
		updates = append(updates, s.cache[id])
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Path < updates[j].Path
	})
	return updates
}

func (s *Session) remember(stored *Node) *Node {
	if cached, ok := s.cache[stored.ID]; ok {
		return cached
	}
	node := stored.clone()
	if node.Properties == nil {
		node.Properties = map[string]any{}
	}
	s.cache[node.ID] = node
	s.byPath[node.Path] = node.ID
	return node
}

func (s *Session) pathExists(ctx context.Context, path string) (bool, error) {
	if id, ok := s.byPath[path]; ok {
		if _, cached := s.cache[id]; cached && !s.isRemovedPath(path) {
			return true, nil
		}
	}
	if s.isRemovedPath(path) {
		return false, nil
	}
	var count int64
	if err := s.repo.db.WithContext(ctx).Model(&Node{}).Where("path = ?", path).Count(&count).Error; err != nil {
		return false, newError(opAddNode, "lookup_failed", err)
	}
	return count > 0, nil
}

// isRemovedPath reports whether path resolves to nothing in this session. A node added
// at a path removed earlier in the session makes the path live again.
func (s *Session) isRemovedPath(path string) bool {
	if id, ok := s.byPath[path]; ok {
		if _, isNew := s.addedSet[id]; isNew {
			return false
		}
	}
	return s.underRemoval(path)
}

func (s *Session) isRemovedNode(node *Node) bool {
	if _, isNew := s.addedSet[node.ID]; isNew {
		return false
	}
	if _, gone := s.removed[node.ID]; gone {
		return true
	}
	return s.underRemoval(node.Path)
}

func (s *Session) underRemoval(path string) bool {
	for _, node := range s.removed {
		if node.Path == path || isDescendantPath(path, node.Path) {
			return true
		}
	}
	return false
}

func (s *Session) isPending(id string) bool {
	if _, ok := s.addedSet[id]; ok {
		return true
	}
	if _, ok := s.modified[id]; ok {
		return true
	}
	if _, ok := s.touched[id]; ok {
		return true
	}
	_, ok := s.removed[id]
	return ok
}

func (s *Session) checkWritable(node *Node) error {
	if node == nil {
		return fmt.Errorf("%w: nil node", ErrItemNotFound)
	}
	if cached, ok := s.cache[node.ID]; !ok || cached != node {
		return fmt.Errorf("%w: node %s does not belong to this session", ErrItemNotFound, node.Path)
	}
	if s.isRemovedNode(node) {
		return fmt.Errorf("%w: %s", ErrItemNotFound, node.Path)
	}
	return nil
}

func (s *Session) markModified(node *Node) {
	if _, isNew := s.addedSet[node.ID]; isNew {
		return
	}
	s.modified[node.ID] = struct{}{}
}

func (s *Session) dropAdded(id string) {
	node := s.cache[id]
	delete(s.addedSet, id)
	delete(s.cache, id)
	if node != nil && s.byPath[node.Path] == id {
		delete(s.byPath, node.Path)
	}
	filtered := s.added[:0]
	for _, candidate := range s.added {
		if candidate != id {
			filtered = append(filtered, candidate)
		}
	}
	s.added = filtered
}
