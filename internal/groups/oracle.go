// Package groups answers group membership questions for principals.
package groups

import "context"

// Membership is the narrow lookup the oracle needs from storage.
type Membership interface {
	MemberGroups(ctx context.Context, userID string) ([]string, error)
}

// Oracle answers is-member questions against a Membership source.
type Oracle struct {
	source Membership
}

func NewOracle(source Membership) *Oracle {
	return &Oracle{source: source}
}

func (o *Oracle) MemberGroups(ctx context.Context, userID string) ([]string, error) {
	return o.source.MemberGroups(ctx, userID)
}

func (o *Oracle) IsMember(ctx context.Context, userID, groupID string) (bool, error) {
	memberOf, err := o.source.MemberGroups(ctx, userID)
	if err != nil {
		return false, err
	}
	return Contains(memberOf, groupID), nil
}

func (o *Oracle) IsMemberOfAny(ctx context.Context, userID string, groupIDs []string) (bool, error) {
	memberOf, err := o.source.MemberGroups(ctx, userID)
	if err != nil {
		return false, err
	}
	return Intersects(memberOf, groupIDs), nil
}

func (o *Oracle) IsMemberOfAll(ctx context.Context, userID string, groupIDs []string) (bool, error) {
	memberOf, err := o.source.MemberGroups(ctx, userID)
	if err != nil {
		return false, err
	}
	return ContainsAll(memberOf, groupIDs), nil
}

// Contains reports whether groupID is in memberOf.
func Contains(memberOf []string, groupID string) bool {
	for _, id := range memberOf {
		if id == groupID {
			return true
		}
	}
	return false
}

// Intersects reports whether the two group id sets share any element.
func Intersects(memberOf, groupIDs []string) bool {
	for _, id := range groupIDs {
		if Contains(memberOf, id) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every id in groupIDs is in memberOf.
// An empty groupIDs is trivially satisfied.
func ContainsAll(memberOf, groupIDs []string) bool {
	for _, id := range groupIDs {
		if !Contains(memberOf, id) {
			return false
		}
	}
	return true
}
