package core

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	gvkControllerRevision    = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ControllerRevision"}
	gvkDaemonSet             = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "DaemonSet"}
	gvkDeployment            = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
	gvkReplicaSet            = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ReplicaSet"}
	gvkStatefulSet           = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "StatefulSet"}
	gvkCronJob               = schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: "CronJob"}
	gvkJob                   = schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: "Job"}
	gvkEndpointSlice         = schema.GroupVersionKind{Group: "discovery.k8s.io", Version: "v1", Kind: "EndpointSlice"}
	gvkConfigMap             = schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}
	gvkEndpoints             = schema.GroupVersionKind{Version: "v1", Kind: "Endpoints"}
	gvkEvent                 = schema.GroupVersionKind{Version: "v1", Kind: "Event"}
	gvkNamespace             = schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}
	gvkNode                  = schema.GroupVersionKind{Version: "v1", Kind: "Node"}
	gvkPod                   = schema.GroupVersionKind{Version: "v1", Kind: "Pod"}
	gvkReplicationController = schema.GroupVersionKind{Version: "v1", Kind: "ReplicationController"}
	gvkSecret                = schema.GroupVersionKind{Version: "v1", Kind: "Secret"}
	gvkService               = schema.GroupVersionKind{Version: "v1", Kind: "Service"}
	gvkServiceAccount        = schema.GroupVersionKind{Version: "v1", Kind: "ServiceAccount"}
)

// applicationKinds are the workload kinds kept by the "application"
// preset of related watches.
var applicationKinds = map[schema.GroupVersionKind]struct{}{
	gvkDaemonSet:             {},
	gvkDeployment:            {},
	gvkReplicaSet:            {},
	gvkStatefulSet:           {},
	gvkCronJob:               {},
	gvkJob:                   {},
	gvkConfigMap:             {},
	gvkPod:                   {},
	gvkReplicationController: {},
	gvkSecret:                {},
	gvkService:               {},
	gvkServiceAccount:        {},
}

// IsApplicationKind reports whether gvk belongs to the application
// allow-list.
func IsApplicationKind(gvk schema.GroupVersionKind) bool {
	_, ok := applicationKinds[gvk]
	return ok
}

// DefaultRelations is the built-in relation table.
var DefaultRelations = mustRelationTable(map[schema.GroupVersionKind]relationEntry{
	gvkControllerRevision: {rules: RelationSet{
		gvkDaemonSet:   direct(ownedBy),
		gvkStatefulSet: direct(ownedBy),
	}},
	gvkDaemonSet: {rules: workloadRelations(RelationSet{
		gvkControllerRevision: direct(owns),
		gvkPod:                direct(owns),
	})},
	gvkDeployment: {rules: workloadRelations(RelationSet{
		gvkReplicaSet: direct(owns),
		gvkPod:        via(gvkReplicaSet),
	})},
	gvkReplicaSet: {rules: workloadRelations(RelationSet{
		gvkDeployment: direct(ownedBy),
		gvkPod:        direct(owns),
	})},
	gvkStatefulSet: {rules: workloadRelations(RelationSet{
		gvkControllerRevision: direct(owns),
		gvkPod:                direct(owns),
	})},
	gvkCronJob: {rules: workloadRelations(RelationSet{
		gvkJob: direct(owns),
		gvkPod: via(gvkJob),
	})},
	gvkJob: {rules: workloadRelations(RelationSet{
		gvkCronJob: direct(ownedBy),
		gvkPod:     direct(owns),
	})},
	gvkReplicationController: {rules: RelationSet{
		gvkConfigMap:      via(gvkPod),
		gvkEndpoints:      via(gvkService),
		gvkEvent:          direct(involvedIn),
		gvkNamespace:      direct(inNamespace),
		gvkNode:           via(gvkPod),
		gvkPod:            direct(owns),
		gvkService:        via(gvkPod),
		gvkServiceAccount: via(gvkPod),
		gvkEndpointSlice:  via(gvkService),
	}},
	gvkEndpointSlice: {rules: RelationSet{
		gvkDaemonSet:   via(gvkPod),
		gvkStatefulSet: via(gvkPod),
		gvkDeployment:  via(gvkReplicaSet),
		gvkReplicaSet:  via(gvkPod),
		gvkEndpoints:   via(gvkService),
		gvkEvent:       direct(involvedIn),
		gvkPod:         via(gvkService),
		gvkService:     direct(ownedBy),
	}},
	gvkConfigMap: {rules: RelationSet{
		gvkDaemonSet:   via(gvkPod),
		gvkDeployment:  via(gvkReplicaSet),
		gvkReplicaSet:  via(gvkPod),
		gvkStatefulSet: via(gvkPod),
		gvkEvent:       direct(involvedIn),
		gvkNamespace:   direct(inNamespace),
		gvkPod:         direct(configMapUsedByPod),
	}},
	gvkEndpoints: {rules: RelationSet{
		gvkDaemonSet:     via(gvkPod),
		gvkDeployment:    via(gvkReplicaSet),
		gvkReplicaSet:    via(gvkPod),
		gvkStatefulSet:   via(gvkPod),
		gvkEvent:         direct(involvedIn),
		gvkPod:           via(gvkService),
		gvkService:       direct(eponymous),
		gvkEndpointSlice: via(gvkService),
	}},
	gvkEvent: {dynamic: eventRelations},
	gvkNamespace: {rules: RelationSet{
		gvkServiceAccount: direct(func(ns, sa *Object) bool { return ns.name == sa.namespace }),
	}},
	gvkNode: {rules: RelationSet{
		gvkDaemonSet:   via(gvkPod),
		gvkStatefulSet: via(gvkPod),
		gvkDeployment:  via(gvkReplicaSet),
		gvkReplicaSet:  via(gvkPod),
		gvkEvent:       direct(involvedIn),
		gvkPod:         direct(func(node, pod *Object) bool { return podRunsOnNode(pod, node) }),
		gvkService:     via(gvkPod),
	}},
	gvkPod: {rules: RelationSet{
		gvkDaemonSet:             direct(ownedBy),
		gvkDeployment:            via(gvkReplicaSet),
		gvkReplicaSet:            direct(ownedBy),
		gvkStatefulSet:           direct(ownedBy),
		gvkCronJob:               via(gvkJob),
		gvkJob:                   direct(ownedBy),
		gvkConfigMap:             direct(func(pod, cm *Object) bool { return configMapUsedByPod(cm, pod) }),
		gvkEndpoints:             via(gvkService),
		gvkEvent:                 direct(involvedIn),
		gvkNamespace:             direct(inNamespace),
		gvkNode:                  direct(podRunsOnNode),
		gvkReplicationController: direct(ownedBy),
		gvkSecret:                direct(func(pod, sec *Object) bool { return secretUsedByPod(sec, pod) }),
		gvkService:               direct(func(pod, svc *Object) bool { return serviceSelectsPod(svc, pod) }),
		gvkServiceAccount:        direct(func(pod, sa *Object) bool { return podUsesServiceAccount(pod, sa) }),
		gvkEndpointSlice:         via(gvkService),
	}},
	gvkSecret: {rules: RelationSet{
		gvkDaemonSet:   via(gvkPod),
		gvkDeployment:  via(gvkReplicaSet),
		gvkReplicaSet:  via(gvkPod),
		gvkStatefulSet: via(gvkPod),
		gvkEvent:       direct(involvedIn),
		gvkNamespace:   direct(inNamespace),
		gvkPod:         direct(secretUsedByPod),
	}},
	gvkService: {rules: RelationSet{
		gvkDaemonSet:     via(gvkPod),
		gvkDeployment:    via(gvkReplicaSet),
		gvkReplicaSet:    via(gvkPod),
		gvkEndpoints:     direct(eponymous),
		gvkEvent:         direct(involvedIn),
		gvkNamespace:     direct(inNamespace),
		gvkNode:          via(gvkPod),
		gvkPod:           direct(serviceSelectsPod),
		gvkEndpointSlice: direct(owns),
	}},
	gvkServiceAccount: {rules: RelationSet{
		gvkDaemonSet:   via(gvkPod),
		gvkDeployment:  via(gvkReplicaSet),
		gvkReplicaSet:  via(gvkPod),
		gvkStatefulSet: via(gvkPod),
		gvkNamespace:   direct(inNamespace),
		gvkPod:         direct(func(sa, pod *Object) bool { return podUsesServiceAccount(pod, sa) }),
	}},
})

// workloadRelations adds the relations every pod-owning workload
// shares to own.
func workloadRelations(own RelationSet) RelationSet {
	rules := RelationSet{
		gvkConfigMap:      via(gvkPod),
		gvkEndpoints:      via(gvkService),
		gvkEvent:          direct(involvedIn),
		gvkNamespace:      direct(inNamespace),
		gvkNode:           via(gvkPod),
		gvkSecret:         via(gvkPod),
		gvkService:        via(gvkPod),
		gvkServiceAccount: via(gvkPod),
		gvkEndpointSlice:  via(gvkService),
	}
	for gvk, rel := range own {
		rules[gvk] = rel
	}
	return rules
}

// eventRelations points an event at its involved object.
func eventRelations(evt *Object) RelationSet {
	involved, ok := involvedObject(evt)
	if !ok {
		return RelationSet{}
	}
	gvk := schema.FromAPIVersionAndKind(involved.APIVersion, involved.Kind)
	return RelationSet{
		gvk: direct(func(_, obj *Object) bool {
			return obj.IsEponymous(involved.Name, involved.Namespace)
		}),
	}
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

func owns(target, obj *Object) bool    { return obj.IsOwnedBy(target) }
func ownedBy(target, obj *Object) bool { return target.IsOwnedBy(obj) }

func eponymous(target, obj *Object) bool {
	return target.IsEponymous(obj.name, obj.namespace)
}

func inNamespace(target, ns *Object) bool {
	return target.namespace == ns.name
}

// involvedIn reports whether evt is about target.
func involvedIn(target, evt *Object) bool {
	involved, ok := involvedObject(evt)
	if !ok {
		return false
	}
	return target.IsEponymous(involved.Name, involved.Namespace) && string(involved.UID) == target.UID()
}

func involvedObject(evt *Object) (corev1.ObjectReference, bool) {
	if evt.gvk != gvkEvent {
		return corev1.ObjectReference{}, false
	}
	raw, found, err := unstructured.NestedMap(evt.Raw().Object, "involvedObject")
	if err != nil || !found {
		return corev1.ObjectReference{}, false
	}
	ref := corev1.ObjectReference{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, &ref); err != nil {
		return corev1.ObjectReference{}, false
	}
	return ref, ref.Kind != ""
}

func podRunsOnNode(pod, node *Object) bool {
	p, ok := pod.Pod()
	return ok && p.Spec.NodeName != "" && p.Spec.NodeName == node.name
}

func podUsesServiceAccount(pod, sa *Object) bool {
	if pod.namespace != sa.namespace {
		return false
	}
	p, ok := pod.Pod()
	if !ok {
		return false
	}
	name := p.Spec.ServiceAccountName
	if name == "" {
		name = "default"
	}
	return name == sa.name
}

// serviceSelectsPod applies the service's selector to the pod's
// labels. A service without selector selects nothing.
func serviceSelectsPod(svc, pod *Object) bool {
	if svc.namespace != pod.namespace {
		return false
	}
	s, ok := svc.Service()
	if !ok || len(s.Spec.Selector) == 0 {
		return false
	}
	return labels.SelectorFromSet(s.Spec.Selector).Matches(labels.Set(pod.Raw().GetLabels()))
}

func configMapUsedByPod(cm, pod *Object) bool {
	if pod.namespace != cm.namespace {
		return false
	}
	p, ok := pod.Pod()
	if !ok {
		return false
	}
	for _, c := range podContainers(p) {
		for _, from := range c.EnvFrom {
			if from.ConfigMapRef != nil && from.ConfigMapRef.Name == cm.name {
				return true
			}
		}
		for _, env := range c.Env {
			if env.ValueFrom != nil && env.ValueFrom.ConfigMapKeyRef != nil && env.ValueFrom.ConfigMapKeyRef.Name == cm.name {
				return true
			}
		}
	}
	for _, vol := range p.Spec.Volumes {
		if vol.ConfigMap != nil && vol.ConfigMap.Name == cm.name {
			return true
		}
		if vol.Projected == nil {
			continue
		}
		for _, src := range vol.Projected.Sources {
			if src.ConfigMap != nil && src.ConfigMap.Name == cm.name {
				return true
			}
		}
	}
	return false
}

func secretUsedByPod(sec, pod *Object) bool {
	if pod.namespace != sec.namespace {
		return false
	}
	p, ok := pod.Pod()
	if !ok {
		return false
	}
	for _, c := range podContainers(p) {
		for _, from := range c.EnvFrom {
			if from.SecretRef != nil && from.SecretRef.Name == sec.name {
				return true
			}
		}
		for _, env := range c.Env {
			if env.ValueFrom != nil && env.ValueFrom.SecretKeyRef != nil && env.ValueFrom.SecretKeyRef.Name == sec.name {
				return true
			}
		}
	}
	for _, vol := range p.Spec.Volumes {
		if vol.Secret != nil && vol.Secret.SecretName == sec.name {
			return true
		}
		if vol.Projected == nil {
			continue
		}
		for _, src := range vol.Projected.Sources {
			if src.Secret != nil && src.Secret.Name == sec.name {
				return true
			}
		}
	}
	for _, ref := range p.Spec.ImagePullSecrets {
		if ref.Name == sec.name {
			return true
		}
	}
	return false
}

func podContainers(p *corev1.Pod) []corev1.Container {
	out := make([]corev1.Container, 0, len(p.Spec.InitContainers)+len(p.Spec.Containers))
	out = append(out, p.Spec.InitContainers...)
	return append(out, p.Spec.Containers...)
}
