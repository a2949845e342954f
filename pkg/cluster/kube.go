package cluster

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
	"github.com/tacticz/pve-k3s-cluster-management/pkg/types"
)

const (
	labelControlPlane = "node-role.kubernetes.io/control-plane"
	labelMaster       = "node-role.kubernetes.io/master"
	mirrorAnnotation  = "kubernetes.io/config.mirror"
)

// KubeAPI implements API against a Kubernetes API server via client-go.
type KubeAPI struct {
	cs      kubernetes.Interface
	restCfg *rest.Config
}

// NewKubeAPI builds a client from the given kubeconfig path.
func NewKubeAPI(kubeconfig string) (*KubeAPI, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("build kube config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return &KubeAPI{cs: cs, restCfg: restCfg}, nil
}

// UsingEndpoint rebinds the client to the API server on host, keeping the
// rest of the kubeconfig (credentials, CA) intact.
func (k *KubeAPI) UsingEndpoint(host string) (API, error) {
	cfg := rest.CopyConfig(k.restCfg)
	cfg.Host = "https://" + net.JoinHostPort(host, "6443")
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("client for endpoint %s: %w", host, err)
	}
	return &KubeAPI{cs: cs, restCfg: cfg}, nil
}

func nodeInfoFrom(node *corev1.Node) NodeInfo {
	info := NodeInfo{
		Name:           node.Name,
		Cordoned:       node.Spec.Unschedulable,
		KubeletVersion: node.Status.NodeInfo.KubeletVersion,
	}
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			info.Ready = true
			break
		}
	}
	if _, ok := node.Labels[labelControlPlane]; ok {
		info.ControlPlane = true
	} else if _, ok := node.Labels[labelMaster]; ok {
		info.ControlPlane = true
	}
	return info
}

func (k *KubeAPI) Nodes(ctx context.Context) ([]NodeInfo, error) {
	list, err := k.cs.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := make([]NodeInfo, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, nodeInfoFrom(&list.Items[i]))
	}
	return out, nil
}

func (k *KubeAPI) Node(ctx context.Context, name string) (NodeInfo, error) {
	node, err := k.cs.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return NodeInfo{}, fmt.Errorf("node %s: %w", name, types.ErrNotFound)
		}
		return NodeInfo{}, fmt.Errorf("get node %s: %w", name, err)
	}
	return nodeInfoFrom(node), nil
}

func (k *KubeAPI) setUnschedulable(ctx context.Context, name string, unschedulable bool) error {
	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)
	_, err := k.cs.CoreV1().Nodes().Patch(ctx, name, k8stypes.StrategicMergePatchType,
		[]byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patch node %s unschedulable=%t: %w", name, unschedulable, err)
	}
	return nil
}

func (k *KubeAPI) Cordon(ctx context.Context, name string) error {
	return k.setUnschedulable(ctx, name, true)
}

func (k *KubeAPI) Uncordon(ctx context.Context, name string) error {
	return k.setUnschedulable(ctx, name, false)
}

func (k *KubeAPI) IsCordoned(ctx context.Context, name string) (bool, error) {
	info, err := k.Node(ctx, name)
	if err != nil {
		return false, err
	}
	return info.Cordoned, nil
}

func (k *KubeAPI) DeleteNode(ctx context.Context, name string) error {
	err := k.cs.CoreV1().Nodes().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete node %s: %w", name, err)
	}
	return nil
}

func isDaemonSetPod(p *corev1.Pod) bool {
	for i := range p.OwnerReferences {
		owner := p.OwnerReferences[i]
		if owner.Kind == "DaemonSet" && owner.Controller != nil && *owner.Controller {
			return true
		}
	}
	return false
}

func isMirrorPod(p *corev1.Pod) bool {
	_, ok := p.Annotations[mirrorAnnotation]
	return ok
}

func hasLocalStorage(p *corev1.Pod) bool {
	for _, v := range p.Spec.Volumes {
		if v.EmptyDir != nil {
			return true
		}
	}
	return false
}

// evictablePods lists the pods on a node that a drain must remove.
func (k *KubeAPI) evictablePods(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	list, err := k.cs.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods on %s: %w", nodeName, err)
	}

	out := make([]corev1.Pod, 0, len(list.Items))
	for _, p := range list.Items {
		// The field selector is not honored by every server; filter again.
		if p.Spec.NodeName != nodeName {
			continue
		}
		if isMirrorPod(&p) || isDaemonSetPod(&p) {
			continue
		}
		if p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed {
			continue
		}
		if p.DeletionTimestamp != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Drain evicts workloads from a node within opts.Timeout. The node must
// already be cordoned; Drain does not cordon. On timeout the pods still
// present are reported in the error and the node is left cordoned.
func (k *KubeAPI) Drain(ctx context.Context, name string, opts DrainOptions) error {
	logger := log.WithComponent("cluster")

	pods, err := k.evictablePods(ctx, name)
	if err != nil {
		return err
	}

	if !opts.DeleteLocalData {
		var blocked []string
		for i := range pods {
			if hasLocalStorage(&pods[i]) {
				blocked = append(blocked, pods[i].Namespace+"/"+pods[i].Name)
			}
		}
		if len(blocked) > 0 {
			return fmt.Errorf("drain %s blocked by pods with local storage (%s): %w",
				name, strings.Join(blocked, ", "), types.ErrPrecondition)
		}
	}

	deadline := time.Now().Add(opts.Timeout)
	for i := range pods {
		pod := &pods[i]
		eviction := &policyv1.Eviction{
			ObjectMeta: metav1.ObjectMeta{Name: pod.Name, Namespace: pod.Namespace},
		}
		if err := k.cs.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction); err != nil {
			if !opts.Force {
				return fmt.Errorf("evict %s/%s: %w", pod.Namespace, pod.Name, err)
			}
			logger.Warn().Str("pod", pod.Namespace+"/"+pod.Name).Err(err).
				Msg("eviction refused, deleting pod")
			grace := int64(0)
			if err := k.cs.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{
				GracePeriodSeconds: &grace,
			}); err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("force delete %s/%s: %w", pod.Namespace, pod.Name, err)
			}
		}
	}

	// Wait for the evicted pods to actually leave the node.
	for {
		remaining, err := k.evictablePods(ctx, name)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			names := make([]string, 0, len(remaining))
			for i := range remaining {
				names = append(names, remaining[i].Namespace+"/"+remaining[i].Name)
			}
			return fmt.Errorf("drain %s timed out with %d pods remaining (%s): %w",
				name, len(remaining), strings.Join(names, ", "), types.ErrCommandFailed)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain %s: %w: %v", name, types.ErrConnectivity, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

func (k *KubeAPI) PodsNotReady(ctx context.Context) ([]string, error) {
	list, err := k.cs.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	var out []string
	for _, p := range list.Items {
		switch p.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded:
			continue
		}
		if p.DeletionTimestamp != nil {
			continue
		}
		out = append(out, p.Namespace+"/"+p.Name)
	}
	return out, nil
}

func (k *KubeAPI) WorkloadsDegraded(ctx context.Context) ([]string, error) {
	list, err := k.cs.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	var out []string
	for _, d := range list.Items {
		desired := int32(1)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		if d.Status.AvailableReplicas < desired {
			out = append(out, fmt.Sprintf("%s/%s (%d/%d available)",
				d.Namespace, d.Name, d.Status.AvailableReplicas, desired))
		}
	}
	return out, nil
}
