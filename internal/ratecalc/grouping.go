package ratecalc

import (
	"example.com/backstage/services/agreements/internal/models"
	"example.com/backstage/services/agreements/internal/utils"
)

// Action is one action to price. A quantity may be a number, a numeric string
// or any value with a String method such as decimal.Decimal. It is read from
// Quantity, then AppliedFor, then Eligible.
type Action struct {
	SheetID    string         `json:"sheetId"`
	ParcelID   string         `json:"parcelId"`
	Code       string         `json:"code"`
	Quantity   interface{}    `json:"quantity,omitempty"`
	AppliedFor *ActionMeasure `json:"appliedFor,omitempty"`
	Eligible   *ActionMeasure `json:"eligible,omitempty"`
}

// ActionMeasure is an applied for or eligible quantity
type ActionMeasure struct {
	Unit     string      `json:"unit,omitempty"`
	Quantity interface{} `json:"quantity"`
}

func (a Action) quantity() interface{} {
	candidates := []interface{}{a.Quantity}
	for _, measure := range []*ActionMeasure{a.AppliedFor, a.Eligible} {
		if measure != nil {
			candidates = append(candidates, measure.Quantity)
		}
	}
	for _, candidate := range candidates {
		if _, ok := utils.ToFloat64(candidate); ok {
			return candidate
		}
	}
	return nil
}

// Parcel is a land parcel with its actions
type Parcel struct {
	SheetID  string   `json:"sheetId"`
	ParcelID string   `json:"parcelId"`
	Actions  []Action `json:"actions"`
}

// Request is the body sent to the rate calculator
type Request struct {
	Parcel []RequestParcel `json:"parcel"`
}

// RequestParcel groups the priced actions of one parcel
type RequestParcel struct {
	SheetID  string          `json:"sheetId"`
	ParcelID string          `json:"parcelId"`
	Actions  []RequestAction `json:"actions"`
}

// RequestAction is an action with a positive quantity
type RequestAction struct {
	Code     string  `json:"code"`
	Quantity float64 `json:"quantity"`
}

// GroupActions groups a flat list of actions by sheet and parcel.
//
// Actions without a sheet id, parcel id or code, or without a positive quantity, are dropped.
// A parcel left with no actions is still sent when some other action qualified.
// Groups keep the order in which their parcel was first seen.
func GroupActions(actions []Action) Request {
	index := map[string]int{}
	groups := []RequestParcel{}
	qualified := 0

	for _, action := range actions {
		if action.SheetID == "" || action.ParcelID == "" {
			continue
		}
		key := action.SheetID + "|" + action.ParcelID
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, RequestParcel{
				SheetID:  action.SheetID,
				ParcelID: action.ParcelID,
				Actions:  []RequestAction{},
			})
		}

		if action.Code == "" {
			continue
		}
		quantity, ok := positiveQuantity(action.quantity())
		if !ok {
			continue
		}
		groups[i].Actions = append(groups[i].Actions, RequestAction{Code: action.Code, Quantity: quantity})
		qualified++
	}

	if qualified == 0 {
		return Request{Parcel: []RequestParcel{}}
	}
	return Request{Parcel: groups}
}

// GroupParcels groups parcels that already carry their actions
func GroupParcels(parcels []Parcel) Request {
	var actions []Action
	for _, parcel := range parcels {
		for _, action := range parcel.Actions {
			if action.SheetID == "" {
				action.SheetID = parcel.SheetID
			}
			if action.ParcelID == "" {
				action.ParcelID = parcel.ParcelID
			}
			actions = append(actions, action)
		}
	}
	return GroupActions(actions)
}

// ActionsFromApplications turns normalized action applications into actions to price
func ActionsFromApplications(applications []models.ActionApplication) []Action {
	actions := make([]Action, 0, len(applications))
	for _, app := range applications {
		action := Action{SheetID: app.SheetID, ParcelID: app.ParcelID, Code: app.Code}
		if app.AppliedFor != nil {
			action.Quantity = app.AppliedFor.Quantity
		}
		actions = append(actions, action)
	}
	return actions
}

func positiveQuantity(v interface{}) (float64, bool) {
	q, ok := utils.ToFloat64(v)
	if !ok || !utils.IsFinite(q) || q <= 0 {
		return 0, false
	}
	return q, true
}
