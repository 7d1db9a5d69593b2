// Package validation wires custom rules into gin's validator and turns binding
// failures into the API's validation error body.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"bookshelf/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

var registerOnce sync.Once

// Register installs the json tag name function and the "shelfstatus" rule on
// gin's default validator. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(jsonName)
		_ = v.RegisterValidation("shelfstatus", func(fl validator.FieldLevel) bool {
			return models.Status(fl.Field().String()).Valid()
		})
	})
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// Details converts a binding error into per-field messages.
func Details(err error) []FieldError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, FieldError{Field: fe.Field(), Error: message(fe)})
		}
		return out
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return []FieldError{{Field: typeErr.Field, Error: fmt.Sprintf("must be %s", typeErr.Type)}}
	}
	return []FieldError{{Field: "request", Error: err.Error()}}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "uuid", "uuid4":
		return "must be a uuid"
	case "shelfstatus":
		statuses := make([]string, len(models.Statuses))
		for i, s := range models.Statuses {
			statuses[i] = string(s)
		}
		return "must be one of " + strings.Join(statuses, ", ")
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return fmt.Sprintf("failed on %s", fe.Tag())
}

// Respond writes the 400 validation error body for err.
func Respond(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"message": "validation error",
		"errors":  Details(err),
	})
}
