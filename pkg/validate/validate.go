package validate

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"SiteAttend/pkg/errors"
)

var (
	instance *validator.Validate
	once     sync.Once
)

// Validator 返回共享的校验器实例
func Validator() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
	})
	return instance
}

// Struct 校验结构体，失败时返回带字段说明的 ValidationError
func Struct(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", errors.ValidationError, err)
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return errors.ValidationError.WithMessage(strings.Join(parts, "; "))
}
