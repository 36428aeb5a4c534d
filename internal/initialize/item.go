// Package initialize consumes initialize items: configuration nodes that carry node type
// definitions to register. A background watcher registers the definitions, migrates
// existing content, and retires each item by clearing its trigger properties.
package initialize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
)

const (
	// ConfigurationPath holds the repository configuration.
	ConfigurationPath = "/hippo:configuration"
	// FolderPath is the parent of every initialize item.
	FolderPath = ConfigurationPath + "/hippo:initialize"

	PropNamespace         = "namespace"
	PropNodeTypes         = "nodetypes"
	PropNodeTypesResource = "nodetypesresource"
	PropSequence          = "sequence"
	PropConversion        = "conversion"
	PropStatus            = "status"
	PropErrorMessage      = "errormessage"
	PropProcessedAt       = "processedat"
)

// Item statuses maintained by the watcher.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

var (
	// ErrInitializationTimeout indicates that a bounded wait ran out of retries.
	ErrInitializationTimeout = errors.New("timed out waiting for initialization")
	// ErrInitializationFailed indicates that the watcher gave up on an item.
	ErrInitializationFailed = errors.New("initialization failed")

	errMissingDefinition = errors.New("initialize: item carries neither nodetypes nor nodetypesresource")
	errInvalidConversion = errors.New("initialize: conversion entries take the form old=new")
)

// Item is the writer's view of an initialize item.
type Item struct {
	Name              string
	Namespace         string
	NodeTypes         string
	NodeTypesResource string
	Sequence          float64
	Conversions       []string
}

// CreateItem stages an initialize item below FolderPath in session. An existing item with
// the same name is rewritten and re-armed. The caller saves.
func CreateItem(ctx context.Context, session *repository.Session, item Item) (*repository.Node, error) {
	if strings.TrimSpace(item.Name) == "" {
		return nil, fmt.Errorf("%w: empty item name", repository.ErrInvalidName)
	}
	if item.NodeTypes == "" && item.NodeTypesResource == "" {
		return nil, errMissingDefinition
	}
	if _, err := ParseConversions(item.Conversions); err != nil {
		return nil, err
	}
	folder, err := session.GetNode(ctx, FolderPath)
	if err != nil {
		return nil, err
	}
	node, err := session.GetNode(ctx, repository.JoinPath(FolderPath, item.Name))
	switch {
	case errors.Is(err, repository.ErrItemNotFound):
		node, err = session.AddNode(ctx, folder, item.Name, nodetype.HippoSysInitializeItem)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	properties := map[string]any{
		PropStatus:   StatusPending,
		PropSequence: item.Sequence,
	}
	if item.Namespace != "" {
		properties[PropNamespace] = item.Namespace
	}
	if item.NodeTypes != "" {
		properties[PropNodeTypes] = item.NodeTypes
	}
	if item.NodeTypesResource != "" {
		properties[PropNodeTypesResource] = item.NodeTypesResource
	}
	if len(item.Conversions) > 0 {
		properties[PropConversion] = append([]string(nil), item.Conversions...)
	}
	if err := session.ReplaceProperties(node, properties); err != nil {
		return nil, err
	}
	return node, nil
}

// HasTrigger reports whether node still carries a definition to process. Its absence is
// the completion signal waiters poll for.
func HasTrigger(node *repository.Node) bool {
	return node.HasProperty(PropNodeTypes) || node.HasProperty(PropNodeTypesResource)
}

// IsPending reports whether the watcher should pick node up.
func IsPending(node *repository.Node) bool {
	return HasTrigger(node) && node.StringProperty(PropStatus) != StatusFailed
}

// ParseConversions reads old=new property rename hints.
func ParseConversions(entries []string) (map[string]string, error) {
	renames := make(map[string]string, len(entries))
	for _, entry := range entries {
		oldName, newName, found := strings.Cut(entry, "=")
		oldName, newName = strings.TrimSpace(oldName), strings.TrimSpace(newName)
		if !found || oldName == "" || newName == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidConversion, entry)
		}
		renames[oldName] = newName
	}
	return renames, nil
}

func sequenceOf(node *repository.Node) float64 {
	value, ok := node.Property(PropSequence)
	if !ok {
		return 0
	}
	switch typed := value.(type) {
	case float64:
		return typed
	case interface{ Float64() (float64, error) }:
		parsed, err := typed.Float64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

// sortItems orders items by sequence, then name.
func sortItems(items []*repository.Node) {
	sort.SliceStable(items, func(i, j int) bool {
		left, right := sequenceOf(items[i]), sequenceOf(items[j])
		if left != right {
			return left < right
		}
		return items[i].Name < items[j].Name
	})
}
