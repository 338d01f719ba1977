package normalizer

import (
	"example.com/backstage/services/agreements/internal/utils"
)

// Shape identifies one of the payload layouts producers have sent over time
type Shape string

const (
	ShapeCanonical          Shape = "canonical"
	ShapeApplication        Shape = "application"
	ShapeAnswersParcels     Shape = "answers.parcels"
	ShapeAnswersParcel      Shape = "answers.parcel"
	ShapeAnswersApplication Shape = "answers.application"
	ShapeAnswersPayments    Shape = "answers.payments"
	ShapePayments           Shape = "payments"
)

// source is what a shape mapping extracts from a submission.
// containers are searched in order for explicit totals, dates, currency and the applicant.
type source struct {
	shape      Shape
	containers []map[string]interface{}
	parcels    []interface{}
}

type mapping struct {
	shape   Shape
	extract func(raw map[string]interface{}) (source, bool)
}

// mappings in priority order; the first one that matches feeds the conversion
var mappings = []mapping{
	{ShapeApplication, fromApplication},
	{ShapeAnswersParcels, fromAnswersList("parcels", ShapeAnswersParcels)},
	{ShapeAnswersParcel, fromAnswersList("parcel", ShapeAnswersParcel)},
	{ShapeAnswersApplication, fromAnswersApplication},
	{ShapeAnswersPayments, fromAnswersPayments},
	{ShapePayments, fromPayments},
}

// Detect lists the shapes present in a submission, in priority order
func Detect(raw map[string]interface{}) []Shape {
	var shapes []Shape
	if hasCanonicalPayment(raw) {
		shapes = append(shapes, ShapeCanonical)
	}
	for _, m := range mappings {
		if _, ok := m.extract(raw); ok {
			shapes = append(shapes, m.shape)
		}
	}
	return shapes
}

func detectSource(raw map[string]interface{}) (source, bool) {
	for _, m := range mappings {
		if src, ok := m.extract(raw); ok {
			return src, true
		}
	}
	return source{}, false
}

func hasCanonicalPayment(raw map[string]interface{}) bool {
	v, ok := raw["payment"]
	return ok && v != nil
}

// parcelList returns the first array found under keys. ok is true for an empty array too.
func parcelList(container map[string]interface{}, keys ...string) ([]interface{}, bool) {
	for _, key := range keys {
		if list, ok := container[key].([]interface{}); ok {
			return list, true
		}
	}
	return nil, false
}

func hasExplicitTotal(container map[string]interface{}) bool {
	_, ok := explicitTotal([]map[string]interface{}{container})
	return ok
}

func fromApplication(raw map[string]interface{}) (source, bool) {
	app := utils.GetMap(raw, "application")
	if app == nil {
		return source{}, false
	}
	parcels, ok := parcelList(app, "parcels", "parcel")
	if !ok && !hasExplicitTotal(app) {
		return source{}, false
	}
	return source{shape: ShapeApplication, containers: []map[string]interface{}{app, raw}, parcels: parcels}, true
}

func fromAnswersList(key string, shape Shape) func(map[string]interface{}) (source, bool) {
	return func(raw map[string]interface{}) (source, bool) {
		answers := utils.GetMap(raw, "answers")
		parcels, ok := parcelList(answers, key)
		if !ok {
			return source{}, false
		}
		return source{shape: shape, containers: []map[string]interface{}{answers, raw}, parcels: parcels}, true
	}
}

func fromAnswersApplication(raw map[string]interface{}) (source, bool) {
	answers := utils.GetMap(raw, "answers")
	app := utils.GetMap(answers, "application")
	if app == nil {
		return source{}, false
	}
	parcels, ok := parcelList(app, "parcels", "parcel")
	if !ok && !hasExplicitTotal(app) {
		return source{}, false
	}
	return source{shape: ShapeAnswersApplication, containers: []map[string]interface{}{app, answers, raw}, parcels: parcels}, true
}

func fromAnswersPayments(raw map[string]interface{}) (source, bool) {
	answers := utils.GetMap(raw, "answers")
	payments := utils.GetMap(answers, "payments")
	parcels, ok := parcelList(payments, "parcel", "parcels")
	if !ok {
		return source{}, false
	}
	return source{shape: ShapeAnswersPayments, containers: []map[string]interface{}{payments, answers, raw}, parcels: parcels}, true
}

func fromPayments(raw map[string]interface{}) (source, bool) {
	payments := utils.GetMap(raw, "payments")
	parcels, ok := parcelList(payments, "parcel", "parcels")
	if !ok {
		return source{}, false
	}
	return source{shape: ShapePayments, containers: []map[string]interface{}{payments, raw}, parcels: parcels}, true
}
