package memory

import (
	"context"
	"maps"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
)

func (uc *UseCase) ListUsers(ctx context.Context) ([]*model.UserSummary, error) {
	return uc.repo.ListUsers(ctx)
}

func (uc *UseCase) GetProfile(ctx context.Context, username string) (*model.UserProfile, error) {
	return uc.repo.GetUserByName(ctx, username)
}

// UpdateProfile merges info into the custom info of the user. A nil value removes the key.
func (uc *UseCase) UpdateProfile(ctx context.Context, username string, info map[string]any) (*model.UserProfile, error) {
	user, err := uc.repo.GetUserByName(ctx, username)
	if err != nil {
		return nil, err
	}

	if user.CustomInfo == nil {
		user.CustomInfo = map[string]any{}
	}
	maps.Copy(user.CustomInfo, info)
	for k, v := range info {
		if v == nil {
			delete(user.CustomInfo, k)
		}
	}
	user.UpdatedAt = time.Now().UTC()

	if err := uc.repo.UpdateUser(ctx, user); err != nil {
		return nil, goerr.Wrap(err, "failed to update profile", goerr.V("username", username))
	}
	return user, nil
}
