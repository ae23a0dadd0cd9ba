package authz

// Default-role policy is compiled in and shipped with the binary. It is not
// tenant data and cannot be mutated at runtime; this guarantees no tenant
// admin can lock the owner role out of administrative capability.
//
// The owner role is not listed: it holds every cataloged permission
// unconditionally (see Engine.defaultRoleSource).
var defaultRolePolicy = map[DefaultRole][]string{
	RoleAdmin: {
		"projects.view", "projects.create", "projects.edit", "projects.delete",
		"documents.view", "documents.upload", "documents.approve",
		"inspections.view", "inspections.create", "inspections.approve",
		"safety.view", "safety.investigate",
		"daily_logs.view", "daily_logs.create",
		"rfis.view", "rfis.create", "rfis.approve",
		"bids.view", "bids.create", "bids.award",
		"invoices.view", "invoices.create", "invoices.approve",
		"contracts.view", "contracts.manage",
		"reports.view",
		"users.manage",
		"roles.manage", "roles.assign",
		"permissions.view", "permissions.override",
		"features.manage",
	},
	RoleProjectManager: {
		"projects.view", "projects.create", "projects.edit",
		"documents.view", "documents.upload", "documents.approve",
		"inspections.view", "inspections.create",
		"safety.view",
		"daily_logs.view", "daily_logs.create",
		"rfis.view", "rfis.create", "rfis.approve",
		"bids.view", "bids.create",
		"invoices.view", "invoices.create",
		"contracts.view",
		"reports.view",
		"permissions.view",
	},
	RoleSuperintendent: {
		"projects.view",
		"documents.view", "documents.upload",
		"inspections.view", "inspections.create", "inspections.approve",
		"safety.view", "safety.investigate",
		"daily_logs.view", "daily_logs.create",
		"rfis.view", "rfis.create",
		"reports.view",
	},
	RoleForeman: {
		"projects.view",
		"documents.view",
		"inspections.view",
		"safety.view",
		"daily_logs.view", "daily_logs.create",
		"rfis.view",
	},
	RoleWorker: {
		"projects.view",
		"documents.view",
		"daily_logs.view",
	},
}

var defaultRoleGrantSets = buildPolicySets()

func buildPolicySets() map[DefaultRole]map[string]struct{} {
	sets := make(map[DefaultRole]map[string]struct{}, len(defaultRolePolicy))
	for role, codes := range defaultRolePolicy {
		set := make(map[string]struct{}, len(codes))
		for _, code := range codes {
			set[code] = struct{}{}
		}
		sets[role] = set
	}
	return sets
}

// DefaultRoleGranted reports whether the compiled-in policy grants the
// permission to the role. Owner is granted any cataloged permission; callers
// must resolve the permission against the catalog first.
func DefaultRoleGranted(role DefaultRole, code string) bool {
	if role == RoleOwner {
		return true
	}
	set, ok := defaultRoleGrantSets[role]
	if !ok {
		return false
	}
	_, granted := set[code]
	return granted
}

// DefaultRoleGrants returns the permission codes the compiled-in policy
// grants to the role. Owner returns nil; it is resolved against the full
// catalog instead.
func DefaultRoleGrants(role DefaultRole) []string {
	codes := defaultRolePolicy[role]
	out := make([]string, len(codes))
	copy(out, codes)
	return out
}
