// Package domain contains core domain types for the Dasher Automate system.
package domain

// Offer is a scraped snapshot of a job proposal as shown on the driver app
// screen. All fields are raw screen text; numeric interpretation happens in
// the decision package.
type Offer struct {
	Pay          string `json:"pay"`
	Distance     string `json:"distance"`
	TimeEstimate string `json:"timeEstimate"`
	StoreName    string `json:"storeName"`
}

// IsEmpty reports whether no field was scraped at all.
func (o Offer) IsEmpty() bool {
	return o.Pay == "" && o.Distance == "" && o.TimeEstimate == "" && o.StoreName == ""
}
