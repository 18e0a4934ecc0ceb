package mongostore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/conduit-lang/apimanager/internal/storage"
)

const documentValidationFailure = 121

// convertError converts driver errors into storage errors. Errors the
// driver does not attribute to the data are returned unchanged.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConstraintViolation) || errors.Is(err, storage.ErrValidation) {
		return err
	}

	if mongo.IsDuplicateKeyError(err) {
		return &storage.ConstraintError{Constraint: "unique", Message: "duplicate key", Err: err}
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if we.Code == documentValidationFailure {
				return &storage.ConstraintError{Constraint: "validator", Message: we.Message, Err: err}
			}
		}
		if len(writeErr.WriteErrors) > 0 {
			return &storage.ConstraintError{Message: writeErr.WriteErrors[0].Message, Err: err}
		}
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
		return &storage.ConstraintError{Constraint: "write_conflict", Message: cmdErr.Message, Err: err}
	}
	return err
}
