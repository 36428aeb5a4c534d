package nodetype

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/onehippo/hippo-repository/internal/repository"
)

const (
	defaultCacheTTL        = 10 * time.Minute
	defaultCleanupInterval = 30 * time.Minute
)

var (
	// ErrUnknownPrefix indicates a namespace prefix with no registered URI.
	ErrUnknownPrefix = errors.New("nodetype: unknown namespace prefix")

	errMissingDatabase = errors.New("database handle is required")
)

// RedefinitionPolicy decides whether an in-use type may be redefined in place.
type RedefinitionPolicy func(previous, next TypeDefinition) bool

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Database           *gorm.DB
	Logger             *zap.Logger
	Clock              func() time.Time
	CacheTTL           time.Duration
	RedefinitionPolicy RedefinitionPolicy
}

// Registry stores node type definitions per namespace version and answers type queries.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
	cache  *gocache.Cache
	policy RedefinitionPolicy
	mu     sync.Mutex
}

// NamespaceRemap reports a prefix that moved to a new namespace URI.
type NamespaceRemap struct {
	Prefix string
	OldURI string
	NewURI string
}

// RegistrationResult summarises one Register call.
type RegistrationResult struct {
	Registered []repository.TypeRef
	Redefined  []repository.TypeRef
	Unchanged  []repository.TypeRef
	Remaps     []NamespaceRemap
}

// TypeDescription is a stored definition with its bookkeeping.
type TypeDescription struct {
	Ref        repository.TypeRef
	Definition TypeDefinition
	CND        string
	Revision   int64
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Registry{
		db:     cfg.Database,
		logger: logger,
		clock:  clock,
		cache:  gocache.New(ttl, defaultCleanupInterval),
		policy: cfg.RedefinitionPolicy,
	}, nil
}

// Bootstrap registers the built-in definitions.
func (r *Registry) Bootstrap(ctx context.Context) error {
	if _, err := r.Register(ctx, builtinCND); err != nil {
		r.logError(opBootstrap, "register_failed", err)
		return newError(opBootstrap, "register_failed", err)
	}
	return nil
}

// Register parses cndText and applies its namespaces and types in one transaction.
func (r *Registry) Register(ctx context.Context, cndText string) (RegistrationResult, error) {
	document, err := ParseCND(cndText)
	if err != nil {
		return RegistrationResult{}, newError(opRegister, "parse_failed", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result RegistrationResult
	now := r.clock().UTC().Unix()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result = RegistrationResult{}
		for _, namespace := range document.Namespaces {
			remap, err := applyNamespace(tx, namespace, now)
			if err != nil {
				return err
			}
			if remap != nil {
				result.Remaps = append(result.Remaps, *remap)
			}
		}

		declared := make(map[string]struct{}, len(document.Types))
		for _, definition := range document.Types {
			declared[definition.Name] = struct{}{}
		}
		for _, definition := range document.Types {
			if err := checkReferences(tx, definition, declared); err != nil {
				return err
			}
			uri, err := currentURI(tx, definition.Prefix())
			if err != nil {
				return fmt.Errorf("%w: type %s: %v", ErrInvalidDefinition, definition.Name, err)
			}
			ref := repository.TypeRef{Name: definition.Name, Namespace: uri}
			namespaces := namespacesFor(document, definition)
			text := FormatType(namespaces, definition)

			var existing TypeRecord
			lookupErr := repository.FindOne(tx.Where("namespace_uri = ? AND name = ?", uri, definition.Name), &existing)
			switch {
			case errors.Is(lookupErr, gorm.ErrRecordNotFound):
				record := TypeRecord{
					NamespaceURI:     uri,
					Name:             definition.Name,
					Definition:       datatypes.NewJSONType(definition),
					CND:              text,
					Revision:         1,
					UpdatedAtSeconds: now,
				}
				if err := tx.Create(&record).Error; err != nil {
					return newError(opRegister, "insert_failed", err)
				}
				if err := recordRevision(tx, ref, 1, "", text, now); err != nil {
					return err
				}
				result.Registered = append(result.Registered, ref)
			case lookupErr != nil:
				return newError(opRegister, "lookup_failed", lookupErr)
			default:
				previous := existing.Definition.Data()
				if sameDefinition(previous, definition) {
					result.Unchanged = append(result.Unchanged, ref)
					continue
				}
				inUse, err := countInstances(tx, ref)
				if err != nil {
					return err
				}
				if inUse > 0 && (r.policy == nil || !r.policy(previous, definition)) {
					return fmt.Errorf("%w: %s has %d instances", ErrTypeInUse, ref, inUse)
				}
				revision := existing.Revision + 1
				if err := tx.Model(&TypeRecord{}).
					Where("namespace_uri = ? AND name = ?", uri, definition.Name).
					Updates(map[string]any{
						"definition":   datatypes.NewJSONType(definition),
						"cnd":          text,
						"revision":     revision,
						"updated_at_s": now,
					}).Error; err != nil {
					return newError(opRegister, "update_failed", err)
				}
				if err := recordRevision(tx, ref, revision, existing.CND, text, now); err != nil {
					return err
				}
				result.Redefined = append(result.Redefined, ref)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrTypeInUse) && !errors.Is(err, ErrInvalidDefinition) && !errors.Is(err, ErrNamespaceConflict) {
			r.logError(opRegister, "transaction_failed", err)
		}
		return RegistrationResult{}, err
	}

	r.cache.Flush()
	r.logger.Info("node types registered",
		zap.Int("registered", len(result.Registered)),
		zap.Int("redefined", len(result.Redefined)),
		zap.Int("unchanged", len(result.Unchanged)),
		zap.Int("remaps", len(result.Remaps)),
	)
	return result, nil
}

// Unregister removes a type version that has no instances and no dependent types.
func (r *Registry) Unregister(ctx context.Context, ref repository.TypeRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inUse, err := countInstances(tx, ref)
		if err != nil {
			return err
		}
		if inUse > 0 {
			return fmt.Errorf("%w: %s has %d instances", ErrTypeInUse, ref, inUse)
		}
		var siblings []TypeRecord
		if err := tx.Where("namespace_uri = ? AND name <> ?", ref.Namespace, ref.Name).Find(&siblings).Error; err != nil {
			return newError(opUnregister, "lookup_failed", err)
		}
		for _, sibling := range siblings {
			for _, supertype := range sibling.Definition.Data().Supertypes {
				if supertype == ref.Name {
					return fmt.Errorf("%w: %s is a supertype of %s", ErrTypeInUse, ref, sibling.Name)
				}
			}
		}
		result := tx.Where("namespace_uri = ? AND name = ?", ref.Namespace, ref.Name).Delete(&TypeRecord{})
		if result.Error != nil {
			return newError(opUnregister, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", repository.ErrNoSuchNodeType, ref)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrTypeInUse) && !errors.Is(err, repository.ErrNoSuchNodeType) {
			r.logError(opUnregister, "transaction_failed", err, zap.String("type", ref.String()))
		}
		return err
	}
	r.cache.Flush()
	r.logger.Info("node type unregistered", zap.String("type", ref.String()))
	return nil
}

// Resolve binds a prefixed type name to its current namespace version.
func (r *Registry) Resolve(ctx context.Context, name string) (repository.TypeRef, error) {
	cacheKey := "resolve|" + name
	if cached, ok := r.cache.Get(cacheKey); ok {
		if ref, isRef := cached.(repository.TypeRef); isRef {
			return ref, nil
		}
	}
	db := r.db.WithContext(ctx)
	uri, err := currentURI(db, prefixOf(name))
	if err != nil {
		if errors.Is(err, ErrUnknownPrefix) {
			return repository.TypeRef{}, fmt.Errorf("%w: %s", repository.ErrNoSuchNodeType, name)
		}
		return repository.TypeRef{}, err
	}
	ref := repository.TypeRef{Name: name, Namespace: uri}
	if _, err := loadRecord(db, ref); err != nil {
		return repository.TypeRef{}, err
	}
	r.cache.Set(cacheKey, ref, gocache.DefaultExpiration)
	return ref, nil
}

// ResolveRef confirms that the exact type version is registered.
func (r *Registry) ResolveRef(ctx context.Context, ref repository.TypeRef) error {
	_, err := r.Effective(ctx, ref)
	return err
}

// Describe returns the stored definition of a type version.
func (r *Registry) Describe(ctx context.Context, ref repository.TypeRef) (TypeDescription, error) {
	record, err := loadRecord(r.db.WithContext(ctx), ref)
	if err != nil {
		return TypeDescription{}, err
	}
	return TypeDescription{
		Ref:        ref,
		Definition: record.Definition.Data(),
		CND:        record.CND,
		Revision:   record.Revision,
	}, nil
}

// Revisions lists the recorded registrations of a type version, oldest first.
func (r *Registry) Revisions(ctx context.Context, ref repository.TypeRef) ([]TypeRevision, error) {
	var revisions []TypeRevision
	err := r.db.WithContext(ctx).
		Where("namespace_uri = ? AND name = ?", ref.Namespace, ref.Name).
		Order("revision ASC").
		Find(&revisions).Error
	if err != nil {
		return nil, newError(opResolve, "revisions_failed", err)
	}
	return revisions, nil
}

// Effective returns the type with inherited members merged in.
func (r *Registry) Effective(ctx context.Context, ref repository.TypeRef) (*EffectiveType, error) {
	if cached, ok := r.cache.Get("effective|" + ref.Key()); ok {
		if effective, isEffective := cached.(*EffectiveType); isEffective {
			return effective, nil
		}
	}
	effective, err := buildEffective(r.db.WithContext(ctx), ref, map[string]bool{})
	if err != nil {
		return nil, err
	}
	r.cache.Set("effective|"+ref.Key(), effective, gocache.DefaultExpiration)
	return effective, nil
}

// IsNodeType reports whether ref is, or inherits from, the type called name.
func (r *Registry) IsNodeType(ctx context.Context, ref repository.TypeRef, name string) (bool, error) {
	effective, err := r.Effective(ctx, ref)
	if err != nil {
		return false, err
	}
	return effective.IsNodeType(name), nil
}

// IsInUse reports whether any persisted node is bound to ref.
func (r *Registry) IsInUse(ctx context.Context, ref repository.TypeRef) (bool, error) {
	count, err := countInstances(r.db.WithContext(ctx), ref)
	if err != nil {
		r.logError(opInUse, "count_failed", err, zap.String("type", ref.String()))
		return false, err
	}
	return count > 0, nil
}

// ReverseIndex lists every type registered under a namespace URI.
func (r *Registry) ReverseIndex(ctx context.Context, namespaceURI string) ([]repository.TypeRef, error) {
	var records []TypeRecord
	err := r.db.WithContext(ctx).
		Where("namespace_uri = ?", namespaceURI).
		Order("name ASC").
		Find(&records).Error
	if err != nil {
		r.logError(opReverse, "query_failed", err, zap.String("namespace", namespaceURI))
		return nil, newError(opReverse, "query_failed", err)
	}
	refs := make([]repository.TypeRef, 0, len(records))
	for _, record := range records {
		refs = append(refs, repository.TypeRef{Name: record.Name, Namespace: record.NamespaceURI})
	}
	return refs, nil
}

// NamespaceURI returns the current URI bound to prefix.
func (r *Registry) NamespaceURI(ctx context.Context, prefix string) (string, error) {
	return currentURI(r.db.WithContext(ctx), prefix)
}

// Namespaces lists the current prefix bindings sorted by prefix.
func (r *Registry) Namespaces(ctx context.Context) ([]Namespace, error) {
	var records []NamespaceRecord
	if err := r.db.WithContext(ctx).Where("is_current = ?", true).Order("prefix ASC").Find(&records).Error; err != nil {
		return nil, newError(opResolve, "namespaces_failed", err)
	}
	namespaces := make([]Namespace, 0, len(records))
	for _, record := range records {
		namespaces = append(namespaces, Namespace{Prefix: record.Prefix, URI: record.URI})
	}
	return namespaces, nil
}

func applyNamespace(tx *gorm.DB, namespace Namespace, now int64) (*NamespaceRemap, error) {
	if namespace.Prefix == "" || namespace.URI == "" {
		return nil, fmt.Errorf("%w: empty namespace mapping", ErrInvalidDefinition)
	}
	var existing NamespaceRecord
	err := repository.FindOne(tx.Where("uri = ?", namespace.URI), &existing)
	if err == nil {
		if existing.Prefix != namespace.Prefix {
			return nil, fmt.Errorf("%w: %s is bound to prefix %s", ErrNamespaceConflict, namespace.URI, existing.Prefix)
		}
		return nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(opRegister, "namespace_lookup_failed", err)
	}

	var current NamespaceRecord
	var remap *NamespaceRemap
	err = repository.FindOne(tx.Where("prefix = ? AND is_current = ?", namespace.Prefix, true), &current)
	switch {
	case err == nil:
		if err := tx.Model(&NamespaceRecord{}).Where("uri = ?", current.URI).Update("is_current", false).Error; err != nil {
			return nil, newError(opRegister, "namespace_update_failed", err)
		}
		remap = &NamespaceRemap{Prefix: namespace.Prefix, OldURI: current.URI, NewURI: namespace.URI}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, newError(opRegister, "namespace_lookup_failed", err)
	}
	record := NamespaceRecord{URI: namespace.URI, Prefix: namespace.Prefix, Current: true, RegisteredAtSeconds: now}
	if err := tx.Create(&record).Error; err != nil {
		return nil, newError(opRegister, "namespace_insert_failed", err)
	}
	return remap, nil
}

func checkReferences(tx *gorm.DB, definition TypeDefinition, declared map[string]struct{}) error {
	names := append([]string(nil), definition.Supertypes...)
	for _, child := range definition.Children {
		names = append(names, child.RequiredTypes...)
		if child.DefaultType != "" {
			names = append(names, child.DefaultType)
		}
	}
	for _, name := range names {
		if _, ok := declared[name]; ok {
			continue
		}
		uri, err := currentURI(tx, prefixOf(name))
		if err != nil {
			return fmt.Errorf("%w: %s references %s: %v", ErrInvalidDefinition, definition.Name, name, err)
		}
		if _, err := loadRecord(tx, repository.TypeRef{Name: name, Namespace: uri}); err != nil {
			return fmt.Errorf("%w: %s references unknown type %s", ErrInvalidDefinition, definition.Name, name)
		}
	}
	return nil
}

func currentURI(db *gorm.DB, prefix string) (string, error) {
	var record NamespaceRecord
	err := repository.FindOne(db.Where("prefix = ? AND is_current = ?", prefix, true), &record)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
	if err != nil {
		return "", newError(opResolve, "namespace_lookup_failed", err)
	}
	return record.URI, nil
}

func loadRecord(db *gorm.DB, ref repository.TypeRef) (TypeRecord, error) {
	var record TypeRecord
	err := repository.FindOne(db.Where("namespace_uri = ? AND name = ?", ref.Namespace, ref.Name), &record)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TypeRecord{}, fmt.Errorf("%w: %s", repository.ErrNoSuchNodeType, ref)
	}
	if err != nil {
		return TypeRecord{}, newError(opResolve, "type_lookup_failed", err)
	}
	return record, nil
}

func countInstances(db *gorm.DB, ref repository.TypeRef) (int64, error) {
	var count int64
	err := db.Model(&repository.Node{}).
		Where("primary_type = ? AND type_namespace = ?", ref.Name, ref.Namespace).
		Count(&count).Error
	if err != nil {
		return 0, newError(opInUse, "count_failed", err)
	}
	return count, nil
}

func recordRevision(tx *gorm.DB, ref repository.TypeRef, revision int64, previous, next string, now int64) error {
	matcher := diffmatchpatch.New()
	patch := matcher.PatchToText(matcher.PatchMake(previous, next))
	record := TypeRevision{
		NamespaceURI:     ref.Namespace,
		Name:             ref.Name,
		Revision:         revision,
		Patch:            patch,
		CreatedAtSeconds: now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return newError(opRegister, "revision_insert_failed", err)
	}
	return nil
}

func namespacesFor(document CND, definition TypeDefinition) []Namespace {
	prefixes := map[string]struct{}{definition.Prefix(): {}}
	for _, supertype := range definition.Supertypes {
		prefixes[prefixOf(supertype)] = struct{}{}
	}
	for _, child := range definition.Children {
		for _, required := range child.RequiredTypes {
			prefixes[prefixOf(required)] = struct{}{}
		}
		if child.DefaultType != "" {
			prefixes[prefixOf(child.DefaultType)] = struct{}{}
		}
	}
	var namespaces []Namespace
	for _, namespace := range document.Namespaces {
		if _, ok := prefixes[namespace.Prefix]; ok {
			namespaces = append(namespaces, namespace)
		}
	}
	sort.Slice(namespaces, func(i, j int) bool {
		return namespaces[i].Prefix < namespaces[j].Prefix
	})
	return namespaces
}

func sameDefinition(left, right TypeDefinition) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("node type registry error", attrs...)
}
