package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/arkahealth/opdwallet/internal/planconfig"
)

// PlanStore implements planconfig.Store using GORM.
type PlanStore struct {
	db *gorm.DB
}

// NewPlanStore returns a PlanStore backed by gorm.DB.
func NewPlanStore(db *gorm.DB) *PlanStore {
	return &PlanStore{db: db}
}

func (store *PlanStore) CurrentVersion(ctx context.Context, policyID string) (planconfig.PlanVersion, error) {
	var row PlanVersion
	err := store.db.WithContext(ctx).
		Where("policy_id = ? AND is_current = ?", policyID, true).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return planconfig.PlanVersion{}, planconfig.ErrConfigNotFound
		}
		return planconfig.PlanVersion{}, err
	}
	return planconfig.PlanVersion{
		PolicyID:  row.PolicyID,
		Version:   row.Version,
		Status:    row.Status,
		IsCurrent: row.IsCurrent,
	}, nil
}

func (store *PlanStore) Rule(ctx context.Context, policyID string, version int, categoryCode string) (planconfig.BenefitRule, error) {
	var row BenefitRule
	err := store.db.WithContext(ctx).
		Where("policy_id = ? AND version = ? AND category_code = ?", policyID, version, categoryCode).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return planconfig.BenefitRule{}, planconfig.ErrConfigNotFound
		}
		return planconfig.BenefitRule{}, err
	}
	return mapBenefitRule(row)
}

func (store *PlanStore) MemberAssignment(ctx context.Context, memberID string) (planconfig.Assignment, error) {
	var row Assignment
	err := store.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return planconfig.Assignment{}, planconfig.ErrNoAssignment
		}
		return planconfig.Assignment{}, err
	}
	return planconfig.Assignment{
		MemberID:    row.MemberID,
		PolicyID:    row.PolicyID,
		PlanVersion: row.PlanVersion,
	}, nil
}

func mapBenefitRule(row BenefitRule) (planconfig.BenefitRule, error) {
	var allowedServices []string
	if len(row.AllowedServices) > 0 {
		if err := json.Unmarshal(row.AllowedServices, &allowedServices); err != nil {
			return planconfig.BenefitRule{}, fmt.Errorf("decode allowed services for %s/%d/%s: %w", row.PolicyID, row.Version, row.CategoryCode, err)
		}
	}
	return planconfig.BenefitRule{
		CategoryCode:            row.CategoryCode,
		Enabled:                 row.Enabled,
		CopayPercent:            row.CopayPercent,
		ServiceTransactionLimit: row.ServiceTransactionLimit,
		AnnualCategoryCap:       row.AnnualCategoryCap,
		AllowedServices:         allowedServices,
	}, nil
}
