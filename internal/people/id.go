package people

import "github.com/google/uuid"

// updateIDProvider issues UUIDv7 strings. Role update handles carry these
// ids and settlement events repeat the id of the request that started them.
type updateIDProvider struct{}

// NewUUIDProvider constructs the IDProvider used for role update handles.
func NewUUIDProvider() IDProvider {
	return updateIDProvider{}
}

func (updateIDProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
