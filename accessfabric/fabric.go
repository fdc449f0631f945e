// Package accessfabric reconciles the per-agent Route and TrafficPolicy
// pair that gates tenant traffic to shared agents. Every mutation is a
// merge patch; the policy's access expression is a pure function of its
// allowed customers annotation.
package accessfabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	"goa.design/clue/log"

	"github.com/veplatform/controlplane/audit"
)

// RouteGVR locates the HTTPRoute objects fronting agents.
var RouteGVR = schema.GroupVersionResource{
	Group:    "gateway.networking.k8s.io",
	Version:  "v1",
	Resource: "httproutes",
}

// PolicyGVR locates the TrafficPolicy objects carrying per-tenant RBAC.
var PolicyGVR = schema.GroupVersionResource{
	Group:    "gateway.kgateway.dev",
	Version:  "v1alpha1",
	Resource: "trafficpolicies",
}

const (
	// AllowedCustomersAnnotation stores the canonical JSON array of tenant
	// ids allowed through the sibling route.
	AllowedCustomersAnnotation = "allowed_customers"

	// DenyAllExpression can never match a real tenant header.
	DenyAllExpression = "request.headers['X-Customer-ID'] == 'deny-all-default'"

	agentBackendPort = int64(8080)
)

// ErrRouteProtected reports a delete refused because tenants still hold
// access.
var ErrRouteProtected = errors.New("route delete blocked")

type (
	// RouteInfo describes the reconciled pair for one agent type.
	RouteInfo struct {
		AgentType        string   `json:"agent_type"`
		Hostname         string   `json:"hostname"`
		RouteName        string   `json:"route_name"`
		PolicyName       string   `json:"policy_name"`
		AllowedCustomers []string `json:"allowed_customers"`
	}

	// Options configures the fabric.
	Options struct {
		Client    dynamic.Interface
		Namespace string
		Audit     audit.Recorder
	}

	// Fabric performs the idempotent route and policy operations. Its own
	// mutators are serialized so concurrent grants compose; cross-process
	// safety comes from merge-patch semantics.
	Fabric struct {
		client    dynamic.Interface
		namespace string
		audit     audit.Recorder
		meter     metric.Meter

		mu sync.Mutex
	}
)

// New builds a fabric over the given dynamic client.
func New(opts Options) (*Fabric, error) {
	if opts.Client == nil {
		return nil, errors.New("dynamic client is required")
	}
	if opts.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	return &Fabric{
		client:    opts.Client,
		namespace: opts.Namespace,
		audit:     opts.Audit,
		meter:     otel.Meter("github.com/veplatform/controlplane/accessfabric"),
	}, nil
}

// RouteName returns the Route object name for an agent type.
func RouteName(agentType string) string { return "agent-" + agentType }

// PolicyName returns the TrafficPolicy object name for an agent type.
func PolicyName(agentType string) string { return "rbac-" + agentType }

// Hostname returns the gateway hostname for an agent type.
func Hostname(agentType string) string { return agentType + ".local" }

// AccessExpression derives the policy match expression from the allowed
// customer list. An empty list denies all traffic.
func AccessExpression(allowed []string) string {
	if len(allowed) == 0 {
		return DenyAllExpression
	}
	quoted := make([]string, len(allowed))
	for i, id := range allowed {
		quoted[i] = "'" + id + "'"
	}
	return fmt.Sprintf("request.headers['X-Customer-ID'] in [%s]", strings.Join(quoted, ", "))
}

// CreateAgentRoute ensures the Route and its sibling deny-all Policy exist.
// Re-invocation is a no-op.
func (f *Fabric) CreateAgentRoute(ctx context.Context, agentType string) (RouteInfo, error) {
	if agentType == "" {
		return RouteInfo{}, errors.New("agent type is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureRoute(ctx, agentType); err != nil {
		return RouteInfo{}, err
	}
	allowed, err := f.ensurePolicy(ctx, agentType)
	if err != nil {
		return RouteInfo{}, err
	}
	return RouteInfo{
		AgentType:        agentType,
		Hostname:         Hostname(agentType),
		RouteName:        RouteName(agentType),
		PolicyName:       PolicyName(agentType),
		AllowedCustomers: allowed,
	}, nil
}

// GrantCustomerAccess adds the customer to the policy's allowed list and
// rewrites the access expression via merge patch. Granting an already
// present customer is a no-op.
func (f *Fabric) GrantCustomerAccess(ctx context.Context, agentType, customerID string) error {
	if agentType == "" || customerID == "" {
		return errors.New("agent type and customer id are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	allowed, err := f.allowedCustomers(ctx, agentType)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			f.record(ctx, "access_grant_failed", agentType, customerID, false, nil)
			return fmt.Errorf("grant access: %w", err)
		}
		// Hire before explicit route provisioning: seed the pair first.
		if err := f.ensureRoute(ctx, agentType); err != nil {
			f.record(ctx, "access_grant_failed", agentType, customerID, false, nil)
			return err
		}
		if allowed, err = f.ensurePolicy(ctx, agentType); err != nil {
			f.record(ctx, "access_grant_failed", agentType, customerID, false, nil)
			return err
		}
	}
	for _, id := range allowed {
		if id == customerID {
			return nil
		}
	}
	allowed = append(allowed, customerID)
	if err := f.patchAllowed(ctx, agentType, allowed); err != nil {
		f.record(ctx, "access_grant_failed", agentType, customerID, false, nil)
		return fmt.Errorf("grant access: %w", err)
	}
	f.record(ctx, "access_granted", agentType, customerID, true, map[string]any{
		"allowed_customers": allowed,
		"customer_count":    len(allowed),
	})
	return nil
}

// RevokeCustomerAccess removes the customer from the policy. When the list
// empties the expression reverts to deny-all; the policy itself is never
// deleted here.
func (f *Fabric) RevokeCustomerAccess(ctx context.Context, agentType, customerID string) error {
	if agentType == "" || customerID == "" {
		return errors.New("agent type and customer id are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	allowed, err := f.allowedCustomers(ctx, agentType)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("revoke access: %w", err)
	}
	next := allowed[:0:0]
	for _, id := range allowed {
		if id != customerID {
			next = append(next, id)
		}
	}
	if len(next) == len(allowed) {
		return nil
	}
	if err := f.patchAllowed(ctx, agentType, next); err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	f.record(ctx, "access_revoked", agentType, customerID, true, map[string]any{
		"allowed_customers": next,
		"customer_count":    len(next),
	})
	return nil
}

// DeleteAgentRoute removes the pair, policy first. The delete is refused
// while any customer still holds access; a missing policy does not block
// the route delete.
func (f *Fabric) DeleteAgentRoute(ctx context.Context, agentType string) error {
	if agentType == "" {
		return errors.New("agent type is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	allowed, err := f.allowedCustomers(ctx, agentType)
	switch {
	case err == nil:
		if len(allowed) > 0 {
			f.record(ctx, "route_delete_blocked", agentType, "", false, map[string]any{
				"customer_count": len(allowed),
			})
			return fmt.Errorf("%w: %d customers still have active access to %s",
				ErrRouteProtected, len(allowed), agentType)
		}
		if err := f.policies().Delete(ctx, PolicyName(agentType), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("delete policy: %w", err)
		}
	case apierrors.IsNotFound(err):
		// No policy: the route delete proceeds.
	default:
		return fmt.Errorf("delete route: %w", err)
	}
	if err := f.routes().Delete(ctx, RouteName(agentType), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete route: %w", err)
	}
	f.record(ctx, "route_deleted", agentType, "", true, nil)
	return nil
}

// AllowedCustomers returns the current allowed list for an agent type.
func (f *Fabric) AllowedCustomers(ctx context.Context, agentType string) ([]string, error) {
	return f.allowedCustomers(ctx, agentType)
}

func (f *Fabric) ensureRoute(ctx context.Context, agentType string) error {
	_, err := f.routes().Get(ctx, RouteName(agentType), metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("get route: %w", err)
	}
	route := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": RouteGVR.Group + "/" + RouteGVR.Version,
		"kind":       "HTTPRoute",
		"metadata": map[string]any{
			"name":      RouteName(agentType),
			"namespace": f.namespace,
		},
		"spec": map[string]any{
			"hostnames": []any{Hostname(agentType)},
			"rules": []any{map[string]any{
				"backendRefs": []any{map[string]any{
					"name": agentType,
					"port": agentBackendPort,
				}},
			}},
		},
	}}
	if _, err := f.routes().Create(ctx, route, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create route: %w", err)
	}
	f.record(ctx, "route_created", agentType, "", true, map[string]any{"hostname": Hostname(agentType)})
	return nil
}

func (f *Fabric) ensurePolicy(ctx context.Context, agentType string) ([]string, error) {
	allowed, err := f.allowedCustomers(ctx, agentType)
	if err == nil {
		return allowed, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	policy := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": PolicyGVR.Group + "/" + PolicyGVR.Version,
		"kind":       "TrafficPolicy",
		"metadata": map[string]any{
			"name":      PolicyName(agentType),
			"namespace": f.namespace,
			"annotations": map[string]any{
				AllowedCustomersAnnotation: "[]",
			},
		},
		"spec": map[string]any{
			"targetRefs": []any{map[string]any{
				"group": RouteGVR.Group,
				"kind":  "HTTPRoute",
				"name":  RouteName(agentType),
			}},
			"rbac": map[string]any{
				"policy": map[string]any{
					"matchExpressions": []any{DenyAllExpression},
				},
			},
		},
	}}
	if _, err := f.policies().Create(ctx, policy, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("create policy: %w", err)
	}
	f.record(ctx, "policy_created", agentType, "", true, nil)
	return []string{}, nil
}

// allowedCustomers reads the canonical list from the policy annotation.
func (f *Fabric) allowedCustomers(ctx context.Context, agentType string) ([]string, error) {
	policy, err := f.policies().Get(ctx, PolicyName(agentType), metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	raw := policy.GetAnnotations()[AllowedCustomersAnnotation]
	if raw == "" {
		return []string{}, nil
	}
	var allowed []string
	if err := json.Unmarshal([]byte(raw), &allowed); err != nil {
		return nil, fmt.Errorf("parse %s annotation: %w", AllowedCustomersAnnotation, err)
	}
	return allowed, nil
}

// patchAllowed writes the annotation and the derived expression in one merge
// patch. Full-object updates are prohibited so concurrent actors cannot
// clobber unrelated fields.
func (f *Fabric) patchAllowed(ctx context.Context, agentType string, allowed []string) error {
	canonical, err := json.Marshal(allowed)
	if err != nil {
		return err
	}
	patch := map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]any{
				AllowedCustomersAnnotation: string(canonical),
			},
		},
		"spec": map[string]any{
			"rbac": map[string]any{
				"policy": map[string]any{
					"matchExpressions": []any{AccessExpression(allowed)},
				},
			},
		},
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = f.policies().Patch(ctx, PolicyName(agentType), types.MergePatchType, body, metav1.PatchOptions{})
	return err
}

func (f *Fabric) routes() dynamic.ResourceInterface {
	return f.client.Resource(RouteGVR).Namespace(f.namespace)
}

func (f *Fabric) policies() dynamic.ResourceInterface {
	return f.client.Resource(PolicyGVR).Namespace(f.namespace)
}

func (f *Fabric) record(ctx context.Context, eventType, agentType, customerID string, success bool, details map[string]any) {
	if counter, err := f.meter.Int64Counter("accessfabric.operations"); err == nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", eventType),
			attribute.Bool("success", success),
		))
	}
	if f.audit == nil {
		log.Debug(ctx, log.KV{K: "audit", V: eventType}, log.KV{K: "agent_type", V: agentType})
		return
	}
	f.audit.Record(ctx, eventType, agentType, customerID, success, details)
}
