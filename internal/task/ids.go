package task

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

func parseTaskID(id string) (uuid.UUID, error) {
	taskID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}
	return taskID, nil
}
