package rbac

// DefaultCatalogVersion identifies the built-in clinical vocabulary.
const DefaultCatalogVersion = "2025-01"

var defaultResources = []string{
	// organization
	"org", "locations", "departments", "staff", "roles", "permissions",
	// patient management
	"patients", "patient_demographics", "patient_documents", "patient_history",
	// clinical
	"appointments", "encounters", "observations", "diagnoses", "procedures",
	"medications", "allergies", "immunizations", "lab_orders", "lab_results",
	"imaging_orders", "imaging_results",
	// documentation
	"clinical_notes", "prescriptions", "reports", "forms", "templates",
	// billing
	"billing", "invoices", "payments", "insurance", "claims",
	// administration
	"audit", "settings", "integrations", "notifications",
	"platform",
}

var defaultActions = []string{
	"read", "write", "create", "edit", "update", "delete",
	"submit", "approve", "reject", "print", "send",
	"export", "import", "manage",
}

// DefaultCatalog returns the built-in clinical permission catalog: every
// resource accepts every action.
func DefaultCatalog() *Catalog {
	entries := make(map[string][]string, len(defaultResources))
	for _, r := range defaultResources {
		entries[r] = defaultActions
	}
	c, err := NewCatalog(DefaultCatalogVersion, entries)
	if err != nil {
		panic(err)
	}
	return c
}
