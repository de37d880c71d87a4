package contracts

// Vehicle is the tracked vehicle record
type Vehicle struct {
	ChassisNumber  string   `json:"chassisNumber"`
	Model          string   `json:"model"`
	Color          string   `json:"color"`
	ProductionYear string   `json:"productionYear"`
	Country        string   `json:"country"`
	Features       []string `json:"features,omitempty"`
	CustomerID     string   `json:"customerId"`
	CustomerName   string   `json:"customerName,omitempty"`
}

// Customer is the cached owner of a vehicle
type Customer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VehicleFilter is the body of a vehicle query request
type VehicleFilter struct {
	CustomerID string `json:"customerId"`
}
