package helpers

type Result[T any] struct {
	value T
	err   error
}

func NewValueResult[T any](value T) Result[T] {
	return Result[T]{value: value}
}

func NewErrorResult[T any](err error) Result[T] {
	return Result[T]{err: err}
}

func (r Result[T]) Value() (T, error) {
	return r.value, r.err
}

func (r Result[T]) Error() error {
	return r.err
}

func (r Result[T]) Ok() bool {
	return r.err == nil
}
