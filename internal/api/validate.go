package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"busrelay/internal/model"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("childstatus", func(fl validator.FieldLevel) bool {
		return model.ChildStatus(fl.Field().String()).Valid()
	})
	return v
}

// describeValidation turns validator errors into one client-facing sentence.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "childstatus":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [on-bus at-school on-way-home dropped-off absent]", fe.Field()))
		case "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("%s is out of range", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

type locationPush struct {
	EntityID model.ID `json:"entityId" validate:"required"`
	Lat      *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng      *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	Speed    *float64 `json:"speed"`
	Heading  *float64 `json:"heading"`
	Label    string   `json:"label"`
}

type tripStartPush struct {
	EntityID          model.ID `json:"entityId" validate:"required"`
	TripKind          string   `json:"tripKind" validate:"required"`
	TripID            model.ID `json:"tripId"`
	Label             string   `json:"label"`
	RouteName         string   `json:"routeName"`
	EstimatedDuration *int     `json:"estimatedDuration" validate:"omitempty,gte=0"`
}

type tripEndPush struct {
	EntityID       model.ID `json:"entityId" validate:"required"`
	TripKind       string   `json:"tripKind"`
	TripID         model.ID `json:"tripId"`
	Label          string   `json:"label"`
	TotalCount     *int     `json:"totalCount" validate:"omitempty,gte=0"`
	CompletedCount *int     `json:"completedCount" validate:"omitempty,gte=0"`
	Duration       *int     `json:"duration" validate:"omitempty,gte=0"`
}

type childStatusPush struct {
	EntityID         model.ID          `json:"entityId" validate:"required"`
	ChildID          model.ID          `json:"childId" validate:"required"`
	ChildName        string            `json:"childName"`
	Status           model.ChildStatus `json:"status" validate:"required,childstatus"`
	Timestamp        *time.Time        `json:"timestamp"`
	TargetSubjectIDs []model.ID        `json:"targetSubjectIds" validate:"omitempty,dive,required"`
	Label            string            `json:"label"`
	Location         *model.GeoPoint   `json:"location"`
	ETA              string            `json:"eta"`
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
