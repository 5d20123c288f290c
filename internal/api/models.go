package api

import "tollgate/internal/license"

type createConnectionRequest struct {
	SubjectName string `json:"subject_name"`
}

type createConnectionResponse struct {
	ID string `json:"id"`
}

type connectionStatusResponse struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	AssignedValue *float64 `json:"assigned_value"`
}

type adminActionRequest struct {
	Action string    `json:"action"`
	ID     string    `json:"id"`
	Value  flexFloat `json:"value"`
}

type adminActionResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type createLicenseRequest struct {
	Owner string `json:"owner"`
	Plan  string `json:"plan"`
}

type createLicenseResponse struct {
	ID             string  `json:"id"`
	Price          float64 `json:"price"`
	Asset          string  `json:"asset"`
	PaymentAddress string  `json:"payment_address"`
}

type markPaidRequest struct {
	ID string `json:"id"`
}

type markPaidResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type licenseStatusResponse struct {
	Active  *license.StatusEvent `json:"active"`
	Pending *license.StatusEvent `json:"pending"`
}

type settingsUpdateRequest struct {
	UploadsEnabled  bool `json:"uploads_enabled"`
	LicensesEnabled bool `json:"licenses_enabled"`
}
