package core

import (
	"context"
	"time"
)

// WatchKind is the variant of a Watch.
type WatchKind string

const (
	WatchKindObject          WatchKind = "object"
	WatchKindResource        WatchKind = "resource"
	WatchKindRelated         WatchKind = "related"
	WatchKindRelatedObject   WatchKind = "related-object"
	WatchKindRelatedResource WatchKind = "related-resource"
)

// WatchPresetApplication restricts a related watch to workload kinds.
const WatchPresetApplication = "application"

// Watch is a persisted request to observe part of a cluster. Which of
// the optional fields are set depends on Kind:
//
//	object           Object
//	resource         Resource, Selector
//	related          Target, Preset
//	related-object   Target, Object
//	related-resource Target, Resource
type Watch struct {
	ID        string    `json:"id"`
	BindingID string    `json:"bindingId"`
	Kind      WatchKind `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	Context   string    `json:"context"`

	Object   *ObjectDescriptor `json:"object,omitempty"`
	Resource *Resource         `json:"resource,omitempty"`
	Selector *Selector         `json:"selector,omitempty"`
	Target   *ObjectDescriptor `json:"target,omitempty"`
	Preset   string            `json:"preset,omitempty"`
}

// WatchRepo persists watches.
type WatchRepo interface {
	List(ctx context.Context) ([]Watch, error)
	Save(ctx context.Context, w Watch) error
	Delete(ctx context.Context, id string) error
}

func objectWatchID(kctx KubeContext, obj ObjectDescriptor) string {
	return kctx.Name + "/" + string(obj.Ident)
}

func resourceWatchID(kctx KubeContext, res Resource) string {
	return kctx.Name + "/" + res.GroupVersion + "/" + res.Kind
}

func relatedBindingID(kctx KubeContext, target ObjectDescriptor) string {
	return kctx.Name + "/" + string(target.Ident) + "/related"
}

func relatedWatchID(kctx KubeContext, target ObjectDescriptor, preset string) string {
	id := relatedBindingID(kctx, target)
	if preset != "" {
		id += "/" + preset
	}
	return id
}

func relatedObjectWatchID(kctx KubeContext, target, obj ObjectDescriptor) string {
	return kctx.Name + "/" + string(target.Ident) + "/related-object/" + string(obj.Ident)
}

func relatedResourceWatchID(kctx KubeContext, target ObjectDescriptor, res Resource) string {
	return kctx.Name + "/" + string(target.Ident) + "/related-resource/" + res.GroupVersion + "/" + res.Kind
}

// NewObjectWatch describes a watch of a single object. It gets a
// binding of its own.
func NewObjectWatch(kctx KubeContext, obj ObjectDescriptor, now time.Time) Watch {
	id := objectWatchID(kctx, obj)
	return Watch{ID: id, BindingID: id, Kind: WatchKindObject, CreatedAt: now, Context: kctx.Name, Object: &obj}
}

// NewResourceWatch describes a watch of every object of res matching
// sel. It gets a binding of its own.
func NewResourceWatch(kctx KubeContext, res Resource, sel *Selector, now time.Time) Watch {
	id := resourceWatchID(kctx, res)
	return Watch{ID: id, BindingID: id, Kind: WatchKindResource, CreatedAt: now, Context: kctx.Name, Resource: &res, Selector: sel}
}

// NewRelatedWatch describes a watch of target and everything related
// to it, optionally narrowed by preset.
func NewRelatedWatch(kctx KubeContext, target ObjectDescriptor, preset string, now time.Time) Watch {
	return Watch{
		ID:        relatedWatchID(kctx, target, preset),
		BindingID: relatedBindingID(kctx, target),
		Kind:      WatchKindRelated,
		CreatedAt: now,
		Context:   kctx.Name,
		Target:    &target,
		Preset:    preset,
	}
}

// NewRelatedObjectWatch describes a watch of one object related to
// target.
func NewRelatedObjectWatch(kctx KubeContext, target, obj ObjectDescriptor, now time.Time) Watch {
	return Watch{
		ID:        relatedObjectWatchID(kctx, target, obj),
		BindingID: relatedBindingID(kctx, target),
		Kind:      WatchKindRelatedObject,
		CreatedAt: now,
		Context:   kctx.Name,
		Target:    &target,
		Object:    &obj,
	}
}

// NewRelatedResourceWatch describes a watch of the objects of res
// related to target.
func NewRelatedResourceWatch(kctx KubeContext, target ObjectDescriptor, res Resource, now time.Time) Watch {
	return Watch{
		ID:        relatedResourceWatchID(kctx, target, res),
		BindingID: relatedBindingID(kctx, target),
		Kind:      WatchKindRelatedResource,
		CreatedAt: now,
		Context:   kctx.Name,
		Target:    &target,
		Resource:  &res,
	}
}

// Validate checks that the fields required by the watch's kind are
// present.
func (w Watch) Validate() error {
	switch w.Kind {
	case WatchKindObject:
		if w.Object == nil {
			return &ErrInvalidInput{Field: "object", Message: "required for object watches"}
		}
	case WatchKindResource:
		if w.Resource == nil {
			return &ErrInvalidInput{Field: "resource", Message: "required for resource watches"}
		}
	case WatchKindRelated:
		if w.Target == nil {
			return &ErrInvalidInput{Field: "target", Message: "required for related watches"}
		}
	case WatchKindRelatedObject:
		if w.Target == nil || w.Object == nil {
			return &ErrInvalidInput{Field: "target", Message: "target and object required for related-object watches"}
		}
	case WatchKindRelatedResource:
		if w.Target == nil || w.Resource == nil {
			return &ErrInvalidInput{Field: "target", Message: "target and resource required for related-resource watches"}
		}
	default:
		return &ErrInvalidInput{Field: "kind", Message: "unknown watch kind " + string(w.Kind)}
	}
	return nil
}

// Matches reports whether obj, already produced by the watch's
// underlying watcher, is part of what the watch asked for.
func (w Watch) Matches(obj *Object) bool {
	switch w.Kind {
	case WatchKindObject, WatchKindResource:
		return true
	case WatchKindRelated:
		if w.Preset == WatchPresetApplication {
			return IsApplicationKind(obj.gvk)
		}
		return true
	case WatchKindRelatedObject:
		return obj.IsSame(*w.Object)
	case WatchKindRelatedResource:
		return obj.resource.GroupVersion == w.Resource.GroupVersion && obj.resource.Kind == w.Resource.Kind
	}
	return false
}
