package types

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var symbolPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	err := v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		return symbolPattern.MatchString(fl.Field().String())
	})
	if err != nil {
		panic("types: register symbol validation: " + err.Error())
	}
	return v
}

type orderFields struct {
	AccountID   string `json:"account_id" validate:"required,max=64"`
	Symbol      string `json:"symbol" validate:"symbol"`
	Direction   string `json:"direction" validate:"oneof=buy sell"`
	OrderType   string `json:"order_type" validate:"oneof=market limit"`
	Quantity    int64  `json:"quantity" validate:"gt=0"`
	TimeInForce string `json:"time_in_force" validate:"oneof=DAY GTC IOC FOK"`
}

// ValidateOrder checks the order attributes accepted at creation time.
func ValidateOrder(o *Order) error {
	err := validate.Struct(orderFields{
		AccountID:   o.AccountID,
		Symbol:      o.Symbol,
		Direction:   string(o.Direction),
		OrderType:   string(o.OrderType),
		Quantity:    o.Quantity,
		TimeInForce: string(o.TimeInForce),
	})
	if err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
		}
		return &ValidationError{Reason: err.Error()}
	}

	switch o.OrderType {
	case Limit:
		if !o.Price.Valid {
			return &ValidationError{Field: "price", Reason: "is required for limit orders"}
		}
		if !o.Price.Decimal.IsPositive() {
			return &ValidationError{Field: "price", Reason: "must be greater than zero"}
		}
	case Market:
		if o.Price.Valid {
			return &ValidationError{Field: "price", Reason: "must be empty for market orders"}
		}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "symbol":
		return "must be 1-5 uppercase letters"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "is too long"
	}
	return "is invalid"
}
