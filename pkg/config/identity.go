package config

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/notecove/storage/pkg/cache"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

const (
	appStateKeyProfileID  = "device.identity.profile_id"
	appStateKeyInstanceID = "device.identity.instance_id"
)

// EnsureDeviceIdentity loads this device's (ProfileId, InstanceId) pair
// from the cache's app_state table, generating and persisting one on
// first run. A stable identity across restarts is required for sequence
// resumption: a fresh InstanceId every launch would look like a new
// writer with no prior history.
func EnsureDeviceIdentity(store *cache.SQLStore) (types.DeviceID, error) {
	profileID, err := store.AppState(appStateKeyProfileID)
	if err != nil && !errors.Is(err, storageerr.ErrNotFound) {
		return types.DeviceID{}, fmt.Errorf("config: read device identity: %w", err)
	}
	instanceID, err := store.AppState(appStateKeyInstanceID)
	if err != nil && !errors.Is(err, storageerr.ErrNotFound) {
		return types.DeviceID{}, fmt.Errorf("config: read device identity: %w", err)
	}

	if profileID != "" && instanceID != "" {
		return types.DeviceID{ProfileID: profileID, InstanceID: instanceID}, nil
	}

	device := types.DeviceID{
		ProfileID:  uuid.New().String(),
		InstanceID: uuid.New().String(),
	}
	if err := store.SetAppState(appStateKeyProfileID, device.ProfileID); err != nil {
		return types.DeviceID{}, fmt.Errorf("config: persist device identity: %w", err)
	}
	if err := store.SetAppState(appStateKeyInstanceID, device.InstanceID); err != nil {
		return types.DeviceID{}, fmt.Errorf("config: persist device identity: %w", err)
	}
	return device, nil
}
