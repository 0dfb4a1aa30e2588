package engine

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/harrier/internal/domain"
)

const stageValidate = "validate"

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validTransactions returns the transactions that pass struct validation and
// reference known entities. Each rejected record yields one diagnostic.
func (e *Engine) validTransactions(txs []domain.Transaction, entities map[string]*domain.Entity) ([]domain.Transaction, []domain.Diagnostic) {
	valid := make([]domain.Transaction, 0, len(txs))
	var diags []domain.Diagnostic
	seen := make(map[string]bool, len(txs))

	for i := range txs {
		tx := txs[i]
		if err := e.checkTransaction(&tx, entities, seen); err != nil {
			diags = append(diags, domain.NewDiagnostic(stageValidate, tx.ID, err))
			continue
		}
		seen[tx.ID] = true
		valid = append(valid, tx)
	}
	return valid, diags
}

func (e *Engine) checkTransaction(tx *domain.Transaction, entities map[string]*domain.Entity, seen map[string]bool) error {
	if math.IsInf(tx.Amount, 0) || math.IsNaN(tx.Amount) {
		return &domain.ValidationError{RecordID: tx.ID, Field: "amount", Reason: "must be finite"}
	}
	if err := e.validate.Struct(tx); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &domain.ValidationError{
				RecordID: tx.ID,
				Field:    fe.Field(),
				Reason:   describeTag(fe),
			}
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if seen[tx.ID] {
		return &domain.ValidationError{RecordID: tx.ID, Field: "id", Reason: "duplicate transaction id"}
	}
	if _, ok := entities[tx.SourceID]; !ok {
		return &domain.ValidationError{RecordID: tx.ID, Field: "sourceId", Reason: "references unknown entity " + tx.SourceID}
	}
	if _, ok := entities[tx.DestinationID]; !ok {
		return &domain.ValidationError{RecordID: tx.ID, Field: "destinationId", Reason: "references unknown entity " + tx.DestinationID}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "nefield":
		return "must differ from source"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
