package roles

import "github.com/nirmitee/ehr-rbac/internal/rbac"

// SystemRoleDef is the deploy-time definition of a system role.
type SystemRoleDef struct {
	Name        string
	Description string
	ScopeLevel  string
	Permissions []string
}

// DefaultSystemRoles returns the system roles shipped with the platform.
func DefaultSystemRoles() []SystemRoleDef {
	return []SystemRoleDef{
		{
			Name:        "Platform Administrator",
			Description: "Super-admin with full platform access. Can manage all organizations and system-level settings.",
			ScopeLevel:  string(rbac.ScopePlatform),
			Permissions: []string{
				"platform:*",
			},
		},
		{
			Name:        "Organization Owner",
			Description: "Complete control over the organization including billing, settings, and all clinical operations.",
			ScopeLevel:  string(rbac.ScopeOrganization),
			Permissions: []string{
				"org:*", "locations:*", "departments:*", "staff:*", "roles:*", "permissions:*", "settings:*",
				"patients:*", "appointments:*", "encounters:*", "observations:*", "diagnoses:*",
				"procedures:*", "medications:*", "allergies:*", "immunizations:*", "clinical_notes:*",
				"prescriptions:*", "lab_orders:*", "lab_results:*", "imaging_orders:*", "imaging_results:*",
				"reports:*", "billing:*", "invoices:*", "payments:*", "claims:*", "audit:*", "integrations:*",
				"notifications:*",
			},
		},
		{
			Name:        "Organization Administrator",
			Description: "Manage organization settings, locations, staff, and view all clinical data.",
			ScopeLevel:  string(rbac.ScopeOrganization),
			Permissions: []string{
				"org:read", "org:edit", "locations:*", "departments:*", "staff:*", "roles:read", "roles:edit",
				"settings:*", "patients:read", "appointments:read", "encounters:read", "reports:read",
				"reports:export", "billing:read", "audit:read",
			},
		},
		{
			Name:        "Physician",
			Description: "Full clinical access for physicians. Can diagnose, prescribe, order tests, and manage patient care.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patients:create", "patients:edit", "patient_demographics:*",
				"patient_history:read", "appointments:read", "appointments:create", "appointments:edit",
				"encounters:*", "observations:*", "diagnoses:*", "procedures:*", "medications:*",
				"allergies:*", "immunizations:*", "clinical_notes:*", "prescriptions:*", "lab_orders:*",
				"lab_results:read", "lab_results:approve", "imaging_orders:*", "imaging_results:read",
				"imaging_results:approve", "reports:read", "reports:print", "reports:send", "forms:*",
			},
		},
		{
			Name:        "Clinician",
			Description: "Clinical workflow access for general practitioners and specialists.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patients:create", "patients:edit", "patient_demographics:read",
				"patient_demographics:edit", "appointments:read", "appointments:edit", "encounters:*",
				"observations:*", "diagnoses:*", "procedures:*", "medications:read", "medications:create",
				"medications:submit", "allergies:*", "immunizations:*", "clinical_notes:*",
				"prescriptions:create", "prescriptions:submit", "prescriptions:print", "lab_orders:*",
				"lab_results:read", "imaging_orders:*", "imaging_results:read", "reports:read",
				"reports:print",
			},
		},
		{
			Name:        "Nurse",
			Description: "Patient care and vitals management. Can record observations, administer medications, and assist doctors.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patient_demographics:read", "patient_history:read", "appointments:read",
				"appointments:edit", "encounters:read", "encounters:edit", "observations:*",
				"medications:read", "medications:submit", "allergies:read", "allergies:edit",
				"immunizations:read", "immunizations:create", "clinical_notes:read", "clinical_notes:create",
				"prescriptions:read", "lab_orders:read", "lab_results:read", "imaging_orders:read",
				"imaging_results:read", "forms:read", "forms:create",
			},
		},
		{
			Name:        "Front Desk",
			Description: "Patient registration, appointment scheduling, and check-in/check-out.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patients:create", "patients:edit", "patient_demographics:*",
				"appointments:*", "encounters:read", "billing:read", "billing:create", "invoices:read",
				"invoices:create", "payments:read", "payments:create", "insurance:read", "reports:read",
				"reports:print",
			},
		},
		{
			Name:        "Lab Technician",
			Description: "Laboratory order processing and result entry.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patient_demographics:read", "lab_orders:read", "lab_results:create",
				"lab_results:edit", "lab_results:submit", "reports:read", "reports:print",
			},
		},
		{
			Name:        "Radiologist",
			Description: "Imaging order review and result reporting.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patient_demographics:read", "patient_history:read", "imaging_orders:read",
				"imaging_results:create", "imaging_results:edit", "imaging_results:submit",
				"imaging_results:approve", "reports:read", "reports:create", "reports:print",
			},
		},
		{
			Name:        "Pharmacist",
			Description: "Medication dispensing and prescription verification.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patient_demographics:read", "prescriptions:read", "prescriptions:approve",
				"prescriptions:reject", "prescriptions:print", "medications:read", "allergies:read",
				"reports:read", "reports:print",
			},
		},
		{
			Name:        "Billing Clerk",
			Description: "Billing, invoicing, and payment processing.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patient_demographics:read", "appointments:read", "encounters:read",
				"billing:*", "invoices:*", "payments:*", "insurance:read", "insurance:edit", "claims:create",
				"claims:edit", "claims:submit", "reports:read", "reports:export", "reports:print",
			},
		},
		{
			Name:        "Auditor",
			Description: "Read-only access for compliance, auditing, and reporting.",
			ScopeLevel:  string(rbac.ScopeOrganization),
			Permissions: []string{
				"audit:read", "org:read", "locations:read", "departments:read", "staff:read", "patients:read",
				"patient_demographics:read", "appointments:read", "encounters:read", "observations:read",
				"diagnoses:read", "procedures:read", "medications:read", "clinical_notes:read",
				"prescriptions:read", "lab_orders:read", "lab_results:read", "imaging_orders:read",
				"imaging_results:read", "billing:read", "invoices:read", "payments:read", "reports:read",
				"reports:export",
			},
		},
		{
			Name:        "Viewer",
			Description: "Basic read-only access to patient information.",
			ScopeLevel:  string(rbac.ScopeLocation),
			Permissions: []string{
				"patients:read", "patient_demographics:read", "appointments:read", "encounters:read",
				"observations:read", "reports:read",
			},
		},
	}
}
