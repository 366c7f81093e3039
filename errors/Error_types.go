package errors

var (
	ErrUnknown             = New(ERR_UNKNOWN, "unknown error")
	ErrInvalidArgument     = New(ERR_INVALID_ARGUMENT, "invalid argument")
	ErrNotFound            = New(ERR_NOT_FOUND, "not found")
	ErrProcessing          = New(ERR_PROCESSING, "error processing")
	ErrConfiguration       = New(ERR_CONFIGURATION, "configuration error")
	ErrStorageError        = New(ERR_STORAGE_ERROR, "storage error")
	ErrBlockNotFound       = New(ERR_BLOCK_NOT_FOUND, "block not found")
	ErrBlockExists         = New(ERR_BLOCK_EXISTS, "block exists")
	ErrBlockParentMismatch = New(ERR_BLOCK_PARENT_MISMATCH, "block parent mismatch")
	ErrTxNotFound          = New(ERR_TX_NOT_FOUND, "tx not found")
	ErrSpent               = New(ERR_SPENT, "output already spent")
	ErrCorruptIndex        = New(ERR_CORRUPT_INDEX, "index corrupt")
	ErrStaleHeight         = New(ERR_STALE_HEIGHT, "height no longer indexed")
	ErrBadRequest          = New(ERR_BAD_REQUEST, "bad request")
	ErrServiceError        = New(ERR_SERVICE_ERROR, "service error")
	ErrContextCanceled     = New(ERR_CONTEXT_CANCELED, "context canceled")
)

// errors initialization functions

func NewUnknownError(message string, params ...interface{}) error {
	return New(ERR_UNKNOWN, message, params...)
}

func NewInvalidArgumentError(message string, params ...interface{}) error {
	return New(ERR_INVALID_ARGUMENT, message, params...)
}

func NewNotFoundError(message string, params ...interface{}) error {
	return New(ERR_NOT_FOUND, message, params...)
}

func NewProcessingError(message string, params ...interface{}) error {
	return New(ERR_PROCESSING, message, params...)
}

func NewConfigurationError(message string, params ...interface{}) error {
	return New(ERR_CONFIGURATION, message, params...)
}

func NewStorageError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_ERROR, message, params...)
}

func NewBlockNotFoundError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_NOT_FOUND, message, params...)
}

func NewBlockExistsError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_EXISTS, message, params...)
}

func NewBlockParentMismatchError(message string, params ...interface{}) error {
	return New(ERR_BLOCK_PARENT_MISMATCH, message, params...)
}

func NewTxNotFoundError(message string, params ...interface{}) error {
	return New(ERR_TX_NOT_FOUND, message, params...)
}

func NewSpentError(message string, params ...interface{}) error {
	return New(ERR_SPENT, message, params...)
}

func NewCorruptIndexError(message string, params ...interface{}) error {
	return New(ERR_CORRUPT_INDEX, message, params...)
}

func NewStaleHeightError(message string, params ...interface{}) error {
	return New(ERR_STALE_HEIGHT, message, params...)
}

func NewBadRequestError(message string, params ...interface{}) error {
	return New(ERR_BAD_REQUEST, message, params...)
}

func NewServiceError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_ERROR, message, params...)
}

func NewContextCanceledError(message string, params ...interface{}) error {
	return New(ERR_CONTEXT_CANCELED, message, params...)
}
