package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// AccessGate decides whether caller may run op.
type AccessGate interface {
	IsAuthorized(caller common.Address, op domain.OperationKind) bool
}

// AllowAll authorizes every caller. Meant for tests and single-operator setups.
type AllowAll struct{}

func (AllowAll) IsAuthorized(common.Address, domain.OperationKind) bool { return true }

// RoleTable authorizes callers by explicit grants.
type RoleTable struct {
	mu     sync.RWMutex
	grants map[common.Address]map[domain.OperationKind]struct{}
}

// NewRoleTable returns a table with no grants.
func NewRoleTable() *RoleTable {
	return &RoleTable{grants: make(map[common.Address]map[domain.OperationKind]struct{})}
}

// Grant allows caller to run ops.
func (t *RoleTable) Grant(caller common.Address, ops ...domain.OperationKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.grants[caller]
	if !ok {
		set = make(map[domain.OperationKind]struct{})
		t.grants[caller] = set
	}
	for _, op := range ops {
		set[op] = struct{}{}
	}
}

// Revoke removes ops from caller.
func (t *RoleTable) Revoke(caller common.Address, ops ...domain.OperationKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.grants[caller]
	if !ok {
		return
	}
	for _, op := range ops {
		delete(set, op)
	}
	if len(set) == 0 {
		delete(t.grants, caller)
	}
}

func (t *RoleTable) IsAuthorized(caller common.Address, op domain.OperationKind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.grants[caller][op]
	return ok
}
