package subscription

import "fmt"

var (
	configKey        = []byte("subscription/config")
	subscriptionPref = "subscription/record/"
	approvalPref     = "subscription/approval/"
	lockPref         = "subscription/lock/"
	cyclePref        = "subscription/cycle/"
	timestampsPref   = "subscription/timestamps/"
)

func subscriptionKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", subscriptionPref, id))
}

func approvalKey(subID, approvalID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/%d", approvalPref, subID, approvalID))
}

func lockKey(subID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", lockPref, subID))
}

func cycleKey(subID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", cyclePref, subID))
}

func timestampsKey(subID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", timestampsPref, subID))
}
