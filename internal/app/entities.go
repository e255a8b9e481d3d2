package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/util"
)

// ListEntities returns every entity of one kind in a database.
func (s *Service) ListEntities(ctx context.Context, name, kind string) (any, error) {
	if !entity.ValidKind(kind) {
		return nil, unknownKind(kind)
	}
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	return snap.List(kind), nil
}

func (s *Service) GetEntity(ctx context.Context, name, kind, id string) (any, error) {
	if !entity.ValidKind(kind) {
		return nil, unknownKind(kind)
	}
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	item, ok := snap.Find(kind, id)
	if !ok {
		return nil, entityNotFound(kind, id)
	}
	return item, nil
}

// CreateEntity decodes the payload as the kind's concrete type, assigns
// an id, validates, and commits through the normal save path.
func (s *Service) CreateEntity(ctx context.Context, name, kind string, payload json.RawMessage, by string) (any, error) {
	if !entity.ValidKind(kind) {
		return nil, unknownKind(kind)
	}
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.snapshots.Head(db.Slug)
	if err != nil {
		return nil, fmt.Errorf("load snapshot head: %w", err)
	}

	item, err := decodeEntity(kind, payload, nil)
	if err != nil {
		return nil, err
	}
	item = withEntityID(kind, item, util.NewID(entity.IDPrefix(kind)))
	if err := validateEntity(snap, kind, item); err != nil {
		return nil, err
	}
	snap.Put(kind, item)

	id, label := entityIDAndName(kind, item)
	if _, err := s.commitSnapshot(ctx, db, snap, authorOrDefault(by), fmt.Sprintf("create %s %s", singular(kind), label)); err != nil {
		return nil, err
	}
	created, _ := snap.Find(kind, id)
	return created, nil
}

// UpdateEntity decodes the payload over the existing entity so absent
// fields keep their values, then commits.
func (s *Service) UpdateEntity(ctx context.Context, name, kind, id string, payload json.RawMessage, by string) (any, error) {
	if !entity.ValidKind(kind) {
		return nil, unknownKind(kind)
	}
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.snapshots.Head(db.Slug)
	if err != nil {
		return nil, fmt.Errorf("load snapshot head: %w", err)
	}
	existing, ok := snap.Find(kind, id)
	if !ok {
		return nil, entityNotFound(kind, id)
	}

	item, err := decodeEntity(kind, payload, existing)
	if err != nil {
		return nil, err
	}
	item = withEntityID(kind, item, id)
	if err := validateEntity(snap, kind, item); err != nil {
		return nil, err
	}
	snap.Put(kind, item)

	_, label := entityIDAndName(kind, item)
	if _, err := s.commitSnapshot(ctx, db, snap, authorOrDefault(by), fmt.Sprintf("update %s %s", singular(kind), label)); err != nil {
		return nil, err
	}
	updated, _ := snap.Find(kind, id)
	return updated, nil
}

// DeleteEntity removes the entity and everything referencing it, then
// commits.
func (s *Service) DeleteEntity(ctx context.Context, name, kind, id, by string) error {
	if !entity.ValidKind(kind) {
		return unknownKind(kind)
	}
	db, err := s.store.GetDatabase(ctx, name)
	if err != nil {
		return err
	}
	snap, _, err := s.snapshots.Head(db.Slug)
	if err != nil {
		return fmt.Errorf("load snapshot head: %w", err)
	}
	if !snap.Remove(kind, id) {
		return entityNotFound(kind, id)
	}
	_, err = s.commitSnapshot(ctx, db, snap, authorOrDefault(by), fmt.Sprintf("delete %s %s", singular(kind), id))
	return err
}

// decodeEntity unmarshals payload as the concrete type for kind. When
// base is non-nil the payload is applied over it (partial update).
func decodeEntity(kind string, payload json.RawMessage, base any) (any, error) {
	invalid := func(err error) error {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "body does not decode as a "+singular(kind), map[string]any{"error": err.Error()})
	}
	switch kind {
	case entity.KindCharacters:
		v := entity.Character{}
		if base != nil {
			v = base.(entity.Character)
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, invalid(err)
		}
		return v, nil
	case entity.KindLocations:
		v := entity.Location{}
		if base != nil {
			v = base.(entity.Location)
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, invalid(err)
		}
		return v, nil
	case entity.KindPlots:
		v := entity.Plot{}
		if base != nil {
			v = base.(entity.Plot)
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, invalid(err)
		}
		return v, nil
	case entity.KindWorldElements:
		v := entity.WorldElement{}
		if base != nil {
			v = base.(entity.WorldElement)
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, invalid(err)
		}
		return v, nil
	case entity.KindTimelineEvents:
		v := entity.TimelineEvent{}
		if base != nil {
			v = base.(entity.TimelineEvent)
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, invalid(err)
		}
		return v, nil
	case entity.KindRelationships:
		v := entity.Relationship{}
		if base != nil {
			v = base.(entity.Relationship)
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, invalid(err)
		}
		return v, nil
	case entity.KindTags:
		v := entity.Tag{}
		if base != nil {
			v = base.(entity.Tag)
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, invalid(err)
		}
		return v, nil
	}
	return nil, unknownKind(kind)
}

func withEntityID(kind string, item any, id string) any {
	switch v := item.(type) {
	case entity.Character:
		v.ID = id
		return v
	case entity.Location:
		v.ID = id
		return v
	case entity.Plot:
		v.ID = id
		return v
	case entity.WorldElement:
		v.ID = id
		return v
	case entity.TimelineEvent:
		v.ID = id
		return v
	case entity.Relationship:
		v.ID = id
		return v
	case entity.Tag:
		v.ID = id
		return v
	}
	return item
}

func entityIDAndName(kind string, item any) (id, name string) {
	switch v := item.(type) {
	case entity.Character:
		return v.ID, v.Name
	case entity.Location:
		return v.ID, v.Name
	case entity.Plot:
		return v.ID, v.Name
	case entity.WorldElement:
		return v.ID, v.Name
	case entity.TimelineEvent:
		return v.ID, v.Name
	case entity.Relationship:
		return v.ID, v.ID
	case entity.Tag:
		return v.ID, v.Name
	}
	return "", ""
}

// validateEntity enforces the rules a repair pass cannot guess at:
// required names, relationship endpoints, tag name uniqueness.
func validateEntity(snap *entity.Snapshot, kind string, item any) error {
	validation := func(message string) error {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
	}
	switch v := item.(type) {
	case entity.Relationship:
		if v.FromID == "" || v.ToID == "" {
			return validation("relationship needs fromId and toId")
		}
		if v.FromID == v.ToID {
			return validation("relationship endpoints must differ")
		}
		if !snap.HasCharacter(v.FromID) || !snap.HasCharacter(v.ToID) {
			return validation("relationship endpoints must be existing characters")
		}
		return nil
	case entity.Tag:
		if strings.TrimSpace(v.Name) == "" {
			return validation("name is required")
		}
		if snap.TagNameTaken(v.Name, v.ID) {
			return domainError(http.StatusConflict, "TAG_EXISTS", "a tag with this name already exists", nil)
		}
		return nil
	}
	if _, name := entityIDAndName(kind, item); strings.TrimSpace(name) == "" {
		return validation("name is required")
	}
	return nil
}

// singular turns a kind like "timeline-events" into "timeline-event"
// for commit messages and error text.
func singular(kind string) string {
	return strings.TrimSuffix(kind, "s")
}

func unknownKind(kind string) error {
	return domainError(http.StatusNotFound, "UNKNOWN_KIND", fmt.Sprintf("unknown entity kind %q", kind), nil)
}

func entityNotFound(kind, id string) error {
	return domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no %s with id %s", singular(kind), id), nil)
}
