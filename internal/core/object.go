package core

import (
	"encoding/json"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// freshMaxAge is how long an object counts as freshly created or
// freshly updated.
const freshMaxAge = 2000 * time.Millisecond

// ObjectIdent is the cache key of an object. It is derived from the
// cluster, resource, namespace and name, never from the server UID,
// which is unknown before creation and changes on recreation.
type ObjectIdent string

// NewObjectIdent computes the identity of the object named
// namespace/name of the given resource.
func NewObjectIdent(clusterUID string, res Resource, namespace, name string) ObjectIdent {
	ident := clusterUID + "/" + res.GroupVersion + "/" + res.Kind
	if res.Namespaced {
		return ObjectIdent(ident + "/" + namespace + "/" + name)
	}
	return ObjectIdent(ident + "/" + name)
}

// ObjectDescriptor names an object without holding it.
type ObjectDescriptor struct {
	Ident     ObjectIdent `json:"ident"`
	Name      string      `json:"name"`
	Namespace string      `json:"namespace,omitempty"`
	Resource  Resource    `json:"resource"`
}

// Object is a cached cluster object. Its identity fields never change
// after construction; the raw data and bookkeeping are mutated only by
// ObjectCache, under the object's own lock.
type Object struct {
	ident      ObjectIdent
	clusterUID string
	resource   Resource
	gvk        schema.GroupVersionKind
	name       string
	namespace  string

	mu             sync.RWMutex
	raw            *unstructured.Unstructured
	rev            uint64
	updatedAt      time.Time
	deletedAt      time.Time
	lostAt         time.Time
	evicted        bool
	freshlyCreated bool
	freshlyUpdated bool
	usedBy         map[string]struct{}

	typedRev uint64
	typed    any
}

// newObject bakes a fresh Object at revision 1.
func newObject(clusterUID string, res Resource, raw *unstructured.Unstructured, now time.Time) *Object {
	o := &Object{
		ident:      NewObjectIdent(clusterUID, res, raw.GetNamespace(), raw.GetName()),
		clusterUID: clusterUID,
		resource:   res,
		gvk:        res.GroupVersionKind(),
		name:       raw.GetName(),
		namespace:  raw.GetNamespace(),
		raw:        raw,
		rev:        1,
		updatedAt:  raw.GetCreationTimestamp().Time,
		usedBy:     map[string]struct{}{},
	}
	o.freshlyCreated, o.freshlyUpdated = o.freshness(now)
	return o
}

func (o *Object) Ident() ObjectIdent { return o.ident }
func (o *Object) ClusterUID() string { return o.clusterUID }
func (o *Object) Resource() Resource { return o.resource }
func (o *Object) GroupVersionKind() schema.GroupVersionKind { return o.gvk }
func (o *Object) Name() string { return o.name }
func (o *Object) Namespace() string { return o.namespace }

// Descriptor returns the object's descriptor.
func (o *Object) Descriptor() ObjectDescriptor {
	return ObjectDescriptor{
		Ident:     o.ident,
		Name:      o.name,
		Namespace: o.namespace,
		Resource:  o.resource,
	}
}

// Raw returns the current raw data. Callers must treat it as
// read-only: patches replace it rather than mutate it.
func (o *Object) Raw() *unstructured.Unstructured {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.raw
}

// UID returns the server-assigned UID of the current raw data.
func (o *Object) UID() string {
	return string(o.Raw().GetUID())
}

func (o *Object) Rev() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rev
}

func (o *Object) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updatedAt
}

// DeletedAt is set only when a watch reports the object deleted.
func (o *Object) DeletedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.deletedAt
}

// LostAt is set when a fresh list no longer contained the object.
func (o *Object) LostAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lostAt
}

func (o *Object) Evicted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.evicted
}

func (o *Object) IsFreshlyCreated() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.freshlyCreated
}

func (o *Object) IsFreshlyUpdated() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.freshlyUpdated
}

// Holders returns the number of holder tokens retaining the object.
func (o *Object) Holders() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.usedBy)
}

// IsOwnedBy reports whether one of o's owner references points at
// other.
func (o *Object) IsOwnedBy(other *Object) bool {
	otherUID := other.UID()
	for _, ref := range o.Raw().GetOwnerReferences() {
		gv, err := schema.ParseGroupVersion(ref.APIVersion)
		if err != nil {
			continue
		}
		if gv.Group == other.gvk.Group &&
			ref.Kind == other.gvk.Kind &&
			ref.Name == other.name &&
			string(ref.UID) == otherUID &&
			(!o.resource.Namespaced || other.namespace == o.namespace) {
			return true
		}
	}
	return false
}

// IsOwner reports whether o owns other.
func (o *Object) IsOwner(other *Object) bool {
	return other.IsOwnedBy(o)
}

// IsSame reports whether d names o.
func (o *Object) IsSame(d ObjectDescriptor) bool {
	return o.resource.GroupVersion == d.Resource.GroupVersion &&
		o.resource.Kind == d.Resource.Kind &&
		o.IsEponymous(d.Name, d.Namespace)
}

// IsEponymous reports whether o carries the given name in the given
// namespace. Cluster-scoped objects match only an empty namespace.
func (o *Object) IsEponymous(name, namespace string) bool {
	if o.name != name {
		return false
	}
	if o.resource.Namespaced {
		return o.namespace == namespace
	}
	return namespace == ""
}

// ObjectView is the serializable snapshot of an Object.
type ObjectView struct {
	Ident            ObjectIdent     `json:"ident"`
	ClusterUID       string          `json:"clusterUID"`
	Resource         Resource        `json:"resource"`
	Name             string          `json:"name"`
	Namespace        string          `json:"namespace,omitempty"`
	Rev              uint64          `json:"rev"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	DeletedAt        *time.Time      `json:"deletedAt,omitempty"`
	Evicted          bool            `json:"evicted,omitempty"`
	IsFreshlyCreated bool            `json:"isFreshlyCreated,omitempty"`
	IsFreshlyUpdated bool            `json:"isFreshlyUpdated,omitempty"`
	Raw              json.RawMessage `json:"raw"`
}

// View returns a consistent snapshot of o.
func (o *Object) View() ObjectView {
	o.mu.RLock()
	defer o.mu.RUnlock()

	v := ObjectView{
		Ident:            o.ident,
		ClusterUID:       o.clusterUID,
		Resource:         o.resource,
		Name:             o.name,
		Namespace:        o.namespace,
		Rev:              o.rev,
		UpdatedAt:        o.updatedAt,
		Evicted:          o.evicted,
		IsFreshlyCreated: o.freshlyCreated,
		IsFreshlyUpdated: o.freshlyUpdated,
	}
	if !o.deletedAt.IsZero() {
		t := o.deletedAt
		v.DeletedAt = &t
	}
	if raw, err := o.raw.MarshalJSON(); err == nil {
		v.Raw = raw
	}
	return v
}

// ---------------------------------------------------------------------------
// Mutation (ObjectCache only)
// ---------------------------------------------------------------------------

// patch replaces the raw data unless the resource version is
// unchanged. It reports whether anything changed. A patch carrying no
// deletion marker revives an object previously reported deleted.
func (o *Object) patch(raw *unstructured.Unstructured, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.raw.GetResourceVersion() == raw.GetResourceVersion() {
		return false
	}

	o.raw = raw
	o.updatedAt = now
	if !o.deletedAt.IsZero() && raw.GetDeletionTimestamp() == nil {
		o.deletedAt = time.Time{}
		o.evicted = false
	}
	o.freshlyCreated, o.freshlyUpdated = o.freshness(now)
	o.rev++
	return true
}

// refresh recomputes the freshness flags and bumps the revision if
// either of them flipped.
func (o *Object) refresh(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refreshLocked(now)
}

func (o *Object) refreshLocked(now time.Time) bool {
	created, updated := o.freshness(now)
	if created == o.freshlyCreated && updated == o.freshlyUpdated {
		return false
	}
	o.freshlyCreated, o.freshlyUpdated = created, updated
	o.rev++
	return true
}

func (o *Object) freshness(now time.Time) (created, updated bool) {
	if !o.deletedAt.IsZero() || o.raw.GetDeletionTimestamp() != nil {
		return false, false
	}
	createdAt := o.raw.GetCreationTimestamp().Time
	if now.Sub(createdAt) < freshMaxAge {
		return true, false
	}
	return false, !o.updatedAt.IsZero() && now.Sub(o.updatedAt) < freshMaxAge
}

// markDeleted stamps the authoritative deletion time.
func (o *Object) markDeleted(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.deletedAt.IsZero() {
		return
	}
	o.deletedAt = now
	o.freshlyCreated, o.freshlyUpdated = false, false
	o.rev++
}

func (o *Object) markLost(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lostAt = now
}

func (o *Object) touch(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updatedAt = now
}

func (o *Object) hold(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.usedBy[token] = struct{}{}
}

// release drops token and returns the number of remaining holders.
func (o *Object) release(token string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.usedBy, token)
	return len(o.usedBy)
}

func (o *Object) markEvicted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evicted = true
}

// gcState reports what the refresh sweep needs to decide on eviction.
func (o *Object) gcState() (deletedAt time.Time, holders int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.deletedAt, len(o.usedBy)
}

// ---------------------------------------------------------------------------
// Typed views
// ---------------------------------------------------------------------------

// Pod converts the raw data into a typed Pod. The conversion is
// memoized per revision.
func (o *Object) Pod() (*corev1.Pod, bool) {
	if o.gvk != gvkPod {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if pod, ok := o.typed.(*corev1.Pod); ok && o.typedRev == o.rev {
		return pod, true
	}
	pod := &corev1.Pod{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(o.raw.UnstructuredContent(), pod); err != nil {
		return nil, false
	}
	o.typed, o.typedRev = pod, o.rev
	return pod, true
}

// Service converts the raw data into a typed Service.
func (o *Object) Service() (*corev1.Service, bool) {
	if o.gvk != gvkService {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if svc, ok := o.typed.(*corev1.Service); ok && o.typedRev == o.rev {
		return svc, true
	}
	svc := &corev1.Service{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(o.raw.UnstructuredContent(), svc); err != nil {
		return nil, false
	}
	o.typed, o.typedRev = svc, o.rev
	return svc, true
}
