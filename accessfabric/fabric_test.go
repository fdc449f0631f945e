package accessfabric

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/veplatform/controlplane/audit"
)

const testNS = "gateway-system"

func newFakeClient() *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[schema.GroupVersionResource]string{
			RouteGVR:  "HTTPRouteList",
			PolicyGVR: "TrafficPolicyList",
		})
}

func newFabric(t *testing.T) (*Fabric, *dynamicfake.FakeDynamicClient, *audit.Memory) {
	t.Helper()
	client := newFakeClient()
	recorder := audit.NewMemory()
	fabric, err := New(Options{Client: client, Namespace: testNS, Audit: recorder})
	require.NoError(t, err)
	return fabric, client, recorder
}

func policyExpression(t *testing.T, client *dynamicfake.FakeDynamicClient, agentType string) string {
	t.Helper()
	policy, err := client.Resource(PolicyGVR).Namespace(testNS).
		Get(context.Background(), PolicyName(agentType), metav1.GetOptions{})
	require.NoError(t, err)
	exprs, ok, err := unstructured.NestedStringSlice(policy.Object, "spec", "rbac", "policy", "matchExpressions")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, exprs, 1)
	return exprs[0]
}

func TestAccessExpression(t *testing.T) {
	require.Equal(t, DenyAllExpression, AccessExpression(nil))
	require.Equal(t, "request.headers['X-Customer-ID'] in ['c1']", AccessExpression([]string{"c1"}))
	require.Equal(t, "request.headers['X-Customer-ID'] in ['c1', 'c2']", AccessExpression([]string{"c1", "c2"}))
}

func TestCreateAgentRouteIdempotent(t *testing.T) {
	fabric, client, recorder := newFabric(t)
	ctx := context.Background()

	info, err := fabric.CreateAgentRoute(ctx, "wellness")
	require.NoError(t, err)
	require.Equal(t, "wellness.local", info.Hostname)
	require.Equal(t, "agent-wellness", info.RouteName)
	require.Equal(t, "rbac-wellness", info.PolicyName)
	require.Empty(t, info.AllowedCustomers)
	require.Equal(t, DenyAllExpression, policyExpression(t, client, "wellness"))

	// Second call touches nothing and emits no further creation events.
	created := len(recorder.Events)
	_, err = fabric.CreateAgentRoute(ctx, "wellness")
	require.NoError(t, err)
	require.Len(t, recorder.Events, created)
}

func TestGrantRevokeRoundTrip(t *testing.T) {
	fabric, client, _ := newFabric(t)
	ctx := context.Background()
	customer := uuid.NewString()

	_, err := fabric.CreateAgentRoute(ctx, "wellness")
	require.NoError(t, err)
	require.NoError(t, fabric.GrantCustomerAccess(ctx, "wellness", customer))
	require.Equal(t,
		fmt.Sprintf("request.headers['X-Customer-ID'] in ['%s']", customer),
		policyExpression(t, client, "wellness"))

	// Granting again is a no-op.
	require.NoError(t, fabric.GrantCustomerAccess(ctx, "wellness", customer))
	allowed, err := fabric.AllowedCustomers(ctx, "wellness")
	require.NoError(t, err)
	require.Equal(t, []string{customer}, allowed)

	require.NoError(t, fabric.RevokeCustomerAccess(ctx, "wellness", customer))
	allowed, err = fabric.AllowedCustomers(ctx, "wellness")
	require.NoError(t, err)
	require.Empty(t, allowed)
	require.Equal(t, DenyAllExpression, policyExpression(t, client, "wellness"))

	// The policy survives the revoke.
	_, err = client.Resource(PolicyGVR).Namespace(testNS).
		Get(ctx, PolicyName("wellness"), metav1.GetOptions{})
	require.NoError(t, err)
}

func TestGrantSeedsMissingPair(t *testing.T) {
	fabric, client, _ := newFabric(t)
	ctx := context.Background()
	customer := uuid.NewString()

	require.NoError(t, fabric.GrantCustomerAccess(ctx, "wellness", customer))

	_, err := client.Resource(RouteGVR).Namespace(testNS).
		Get(ctx, RouteName("wellness"), metav1.GetOptions{})
	require.NoError(t, err)
	allowed, err := fabric.AllowedCustomers(ctx, "wellness")
	require.NoError(t, err)
	require.Equal(t, []string{customer}, allowed)
}

func TestDeleteProtection(t *testing.T) {
	fabric, client, recorder := newFabric(t)
	ctx := context.Background()

	_, err := fabric.CreateAgentRoute(ctx, "wellness")
	require.NoError(t, err)
	require.NoError(t, fabric.GrantCustomerAccess(ctx, "wellness", "c1"))
	require.NoError(t, fabric.GrantCustomerAccess(ctx, "wellness", "c2"))

	err = fabric.DeleteAgentRoute(ctx, "wellness")
	require.ErrorIs(t, err, ErrRouteProtected)
	require.Contains(t, err.Error(), "2 customers still have active access")

	var blocked int
	for _, e := range recorder.Events {
		if e.EventType == "route_delete_blocked" {
			blocked++
		}
	}
	require.Equal(t, 1, blocked)

	require.NoError(t, fabric.RevokeCustomerAccess(ctx, "wellness", "c1"))
	require.NoError(t, fabric.RevokeCustomerAccess(ctx, "wellness", "c2"))
	require.NoError(t, fabric.DeleteAgentRoute(ctx, "wellness"))

	_, err = client.Resource(PolicyGVR).Namespace(testNS).Get(ctx, PolicyName("wellness"), metav1.GetOptions{})
	require.Error(t, err)
	_, err = client.Resource(RouteGVR).Namespace(testNS).Get(ctx, RouteName("wellness"), metav1.GetOptions{})
	require.Error(t, err)
}

func TestDeleteWithMissingPolicyProceeds(t *testing.T) {
	fabric, client, _ := newFabric(t)
	ctx := context.Background()

	_, err := fabric.CreateAgentRoute(ctx, "wellness")
	require.NoError(t, err)
	require.NoError(t, client.Resource(PolicyGVR).Namespace(testNS).
		Delete(ctx, PolicyName("wellness"), metav1.DeleteOptions{}))

	require.NoError(t, fabric.DeleteAgentRoute(ctx, "wellness"))
	_, err = client.Resource(RouteGVR).Namespace(testNS).Get(ctx, RouteName("wellness"), metav1.GetOptions{})
	require.Error(t, err)
}

func TestConcurrentGrantsCompose(t *testing.T) {
	fabric, client, _ := newFabric(t)
	ctx := context.Background()

	_, err := fabric.CreateAgentRoute(ctx, "wellness")
	require.NoError(t, err)

	customers := make([]string, 5)
	for i := range customers {
		customers[i] = uuid.NewString()
	}
	var wg sync.WaitGroup
	for _, c := range customers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			require.NoError(t, fabric.GrantCustomerAccess(ctx, "wellness", id))
		}(c)
	}
	wg.Wait()

	allowed, err := fabric.AllowedCustomers(ctx, "wellness")
	require.NoError(t, err)
	require.ElementsMatch(t, customers, allowed)

	// Every write was a merge patch; no full-object update was issued.
	patches, updates := 0, 0
	for _, action := range client.Fake.Actions() {
		if action.GetResource() != PolicyGVR {
			continue
		}
		switch action.GetVerb() {
		case "patch":
			patches++
		case "update":
			updates++
		}
	}
	require.Equal(t, 5, patches)
	require.Zero(t, updates)
}
