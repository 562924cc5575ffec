package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// PutDeployment records (or replaces) the anchor-contract deployment for
// a network, per §4.5/the original multi_chain_deployer.py.
func (s *Store) PutDeployment(ctx context.Context, chainName, contractAddress string, deployedAtBlock int64, abiHash string) error {
	d := model.ChainDeployment{ChainName: chainName, ContractAddress: contractAddress, DeployedAtBlock: deployedAtBlock, ABIHash: abiHash}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"contract_address", "deployed_at_block", "abi_hash"}),
	}).Create(&d).Error
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to store deployment record", err)
	}
	return nil
}

// GetDeployment loads the deployment record for a network, if any.
func (s *Store) GetDeployment(ctx context.Context, chainName string) (*model.ChainDeployment, bool, error) {
	var d model.ChainDeployment
	err := s.db.WithContext(ctx).First(&d, "chain_name = ?", chainName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apierr.Wrap(apierr.CodeInternal, "failed to load deployment record", err)
	}
	return &d, true, nil
}
