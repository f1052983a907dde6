package allocator

import (
	"context"
	"fmt"
	"time"

	allocationv1 "agones.dev/agones/pkg/apis/allocation/v1"
	agonesclientset "agones.dev/agones/pkg/client/clientset/versioned"
	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ClusterClient allocates by creating GameServerAllocation objects directly
// through the Agones typed clientset. Used when the matching server runs in
// the same cluster as the fleet and no external allocator endpoint exists.
type ClusterClient struct {
	namespace string
	timeout   time.Duration
	agones    agonesclientset.Interface
}

func NewCluster(namespace string, timeout time.Duration) *ClusterClient {
	return &ClusterClient{namespace: namespace, timeout: timeout}
}

func (c *ClusterClient) Allocate(ctx context.Context, req Request) (*GameServer, error) {
	// Lazy init so a missing kubeconfig only fails allocations, not startup.
	if c.agones == nil {
		cli, err := newAgonesClient()
		if err != nil {
			return nil, fmt.Errorf("init agones client: %w", err)
		}
		c.agones = cli
		log.Info().Str("namespace", c.namespace).Msg("allocator: agones clientset initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	gsa := &allocationv1.GameServerAllocation{
		TypeMeta: metav1.TypeMeta{
			APIVersion: allocationv1.SchemeGroupVersion.String(),
			Kind:       "GameServerAllocation",
		},
		Spec: allocationv1.GameServerAllocationSpec{
			Selectors: []allocationv1.GameServerSelector{
				{
					LabelSelector: metav1.LabelSelector{
						MatchLabels: map[string]string{fleetLabel: req.Fleet},
					},
				},
			},
			MetaPatch: allocationv1.MetaPatch{Annotations: req.annotations()},
		},
	}

	created, err := c.agones.AllocationV1().GameServerAllocations(c.namespace).Create(ctx, gsa, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create allocation in %s: %w", c.namespace, err)
	}
	if created.Status.State != allocationv1.GameServerAllocationAllocated {
		log.Warn().Str("state", string(created.Status.State)).Str("fleet", req.Fleet).Msg("allocator: allocation not fulfilled")
		return nil, ErrNoCapacity
	}
	return parseAllocationStatus(&created.Status)
}

func parseAllocationStatus(st *allocationv1.GameServerAllocationStatus) (*GameServer, error) {
	tagged := make([]taggedAddress, 0, len(st.Addresses))
	for _, a := range st.Addresses {
		tagged = append(tagged, taggedAddress{Type: string(a.Type), Address: a.Address})
	}
	addr := resolveAddress(tagged, st.Address)

	var port int32
	if len(st.Ports) > 0 {
		port = st.Ports[0].Port
	}

	if addr == "" || port == 0 || st.GameServerName == "" {
		log.Error().
			Str("gameServerName", st.GameServerName).
			Str("address", addr).
			Int32("port", port).
			Msg("allocator: allocated GameServer missing address, port or name")
		return nil, ErrBadResponse
	}
	return &GameServer{Name: st.GameServerName, Address: addr, Port: port}, nil
}

// newAgonesClient returns an Agones typed clientset using in-cluster config
// or local kubeconfig.
func newAgonesClient() (agonesclientset.Interface, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return agonesclientset.NewForConfig(cfg)
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return agonesclientset.NewForConfig(cfg)
}
