package repos

import "github.com/rzbill/corral/pkg/store"

// Repos bundles every typed repo over one store.
type Repos struct {
	Actions         *ActionRepo
	Clusters        *ClusterRepo
	Nodes           *NodeRepo
	Policies        *PolicyRepo
	ClusterPolicies *ClusterPolicyRepo
	Workers         *WorkerRepo
}

// New creates the typed repos over st.
func New(st store.Store) *Repos {
	return &Repos{
		Actions:         NewActionRepo(st),
		Clusters:        NewClusterRepo(st),
		Nodes:           NewNodeRepo(st),
		Policies:        NewPolicyRepo(st),
		ClusterPolicies: NewClusterPolicyRepo(st),
		Workers:         NewWorkerRepo(st),
	}
}
