package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/supplysphere/node/ledger"
	"github.com/supplysphere/node/repository/models"
)

// Error codes returned by repository operations. Handlers switch on these
// to pick the HTTP status.
const (
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeNotFound              = "ENTITY_NOT_FOUND"
	ErrCodeAlreadyFunded         = "ALREADY_FUNDED"
	ErrCodeOutOfOrder            = "OUT_OF_ORDER"
	ErrCodeInvalidState          = "INVALID_STATE"
	ErrCodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	ErrCodeInsufficientAllowance = "INSUFFICIENT_ALLOWANCE"
	ErrCodeUnknownToken          = "UNKNOWN_TOKEN"
	ErrCodeBadRequest            = "BAD_REQUEST"
	ErrCodeDatabase              = "DATABASE_ERROR"
)

// PostgreSQL error codes surfaced to handlers unchanged.
const (
	PgErrForeignKeyViolation = "23503"
	PgErrUniqueViolation     = "23505"
)

// EscrowAccount holds deposited chain funds until step completion
// releases them. Only FundChain deposits and only the per-step release
// withdraws.
const EscrowAccount = "supplysphere-escrow"

// ConsensusPayload is data submitted to the consensus engine.
type ConsensusPayload interface{}

// ConsensusResult contains the outcome of a consensus submission.
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
	Error       error
}

// RepositoryError represents an error in the repository layer.
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

// Repository owns the domain tables and the escrow ledger, and submits
// finished request/response pairs to consensus.
type Repository struct {
	db        *gorm.DB
	rpcClient *cmtrpc.Local
	ledger    ledger.Ledger
}

// NewRepository creates a repository settling on the given ledger.
func NewRepository(l ledger.Ledger) *Repository {
	return &Repository{ledger: l}
}

// Ledger exposes the escrow ledger for query handlers.
func (r *Repository) Ledger() ledger.Ledger {
	return r.ledger
}

// ConnectDB connects to Postgres, retrying while the database container
// comes up.
func (r *Repository) ConnectDB(dsn string) {
	for i := range 10 {
		log.Printf("Connection attempt %d...\n", i+1)
		db, err := gorm.Open(postgres.Open(dsn))
		if err != nil {
			log.Printf("Connection attempt %d failed: %v\n", i+1, err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = db
		log.Println("Connected to Postgres")
		return
	}
	log.Fatal("Could not connect to Postgres")
}

// Migrate creates the role, catalog and chain tables.
func (r *Repository) Migrate() {
	r.db.AutoMigrate(
		&models.RoleGrant{},
		&models.RawMaterial{},
		&models.Product{},
		&models.Service{},
		&models.Logistic{},
		&models.SupplyChain{},
		&models.SupplyChainStep{},
	)
	log.Println("Database migration completed successfully")
}

// Seed grants demo roles and mints demo balances so a fresh node can run
// the full fund-release flow immediately.
func (r *Repository) Seed() {
	var grantCount int64
	r.db.Model(&models.RoleGrant{}).Count(&grantCount)
	if grantCount > 0 {
		log.Println("Seed data already exists, skipping...")
		return
	}

	log.Println("Seeding database with initial data...")

	grants := []models.RoleGrant{
		{Role: models.RoleSeller, AccountID: "ACC-SELLER-1"},
		{Role: models.RoleSeller, AccountID: "ACC-SELLER-2"},
		{Role: models.RoleTransporter, AccountID: "ACC-TRANSPORTER-1"},
		{Role: models.RoleManufacturer, AccountID: "ACC-MANUFACTURER-1"},
		{Role: models.RoleRetailer, AccountID: "ACC-RETAILER-1"},
	}
	for _, grant := range grants {
		if err := r.db.Create(&grant).Error; err != nil {
			log.Printf("Error creating role grant %s/%s: %v", grant.Role, grant.AccountID, err)
		}
	}

	for _, grant := range grants {
		r.ledger.Mint(grant.AccountID, 1_000_000_000_000)
	}

	log.Println("Database seeding completed successfully")
}

// SetupRpcClient wires the local CometBFT RPC client once the node exists.
func (r *Repository) SetupRpcClient(rpcClient *cmtrpc.Local) {
	r.rpcClient = rpcClient
}

// repoError converts a gorm/pg error into a RepositoryError, keeping the
// Postgres code when one is available.
func repoError(err error) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    ErrCodeDatabase,
		Message: "A database error occurred",
		Detail:  err.Error(),
	}
}

// flowError maps domain and ledger errors onto repository codes.
func flowError(err error, detail string) *RepositoryError {
	code := ErrCodeDatabase
	message := "Operation failed"
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		code = ErrCodeUnauthorized
		message = "Authorization failed"
	case errors.Is(err, models.ErrAlreadyFunded):
		code = ErrCodeAlreadyFunded
		message = "Chain is already funded"
	case errors.Is(err, models.ErrChainNotFunded):
		code = ErrCodeInvalidState
		message = "Chain is not funded"
	case errors.Is(err, models.ErrOutOfOrder):
		code = ErrCodeOutOfOrder
		message = "Confirmation out of order"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		code = ErrCodeInsufficientBalance
		message = "Balance cannot cover the transfer"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		code = ErrCodeInsufficientAllowance
		message = "Allowance cannot cover the transfer"
	}
	return &RepositoryError{Code: code, Message: message, Detail: detail}
}

func notFound(entity string, id any) *RepositoryError {
	return &RepositoryError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s does not exist", entity),
		Detail:  fmt.Sprintf("%s with id %v does not exist", entity, id),
	}
}

// Role registry

// RegisterRole self-assigns a role to the caller. Re-registering an
// already-held role is a no-op, never an error.
func (r *Repository) RegisterRole(accountID, role string) *RepositoryError {
	if !models.ValidRole(role) {
		return &RepositoryError{
			Code:    ErrCodeBadRequest,
			Message: "Unknown role",
			Detail:  fmt.Sprintf("role %q is not one of seller, transporter, manufacturer, retailer", role),
		}
	}
	grant := models.RoleGrant{Role: role, AccountID: accountID}
	err := r.db.Where(&grant).FirstOrCreate(&grant).Error
	if err != nil {
		return repoError(err)
	}
	return nil
}

// HasRole is the authorization oracle consulted by catalog and chain
// operations.
func (r *Repository) HasRole(role, accountID string) (bool, *RepositoryError) {
	var count int64
	err := r.db.Model(&models.RoleGrant{}).
		Where("role = ? AND account_id = ?", role, accountID).
		Count(&count).Error
	if err != nil {
		return false, repoError(err)
	}
	return count > 0, nil
}

// AccountRoles lists the roles held by an account.
func (r *Repository) AccountRoles(accountID string) ([]string, *RepositoryError) {
	var grants []models.RoleGrant
	err := r.db.Where("account_id = ?", accountID).Order("role").Find(&grants).Error
	if err != nil {
		return nil, repoError(err)
	}
	roles := make([]string, 0, len(grants))
	for _, g := range grants {
		roles = append(roles, g.Role)
	}
	return roles, nil
}

// requireRole aborts with UNAUTHORIZED unless the caller holds the role.
func (r *Repository) requireRole(role, accountID string) *RepositoryError {
	ok, repoErr := r.HasRole(role, accountID)
	if repoErr != nil {
		return repoErr
	}
	if !ok {
		return &RepositoryError{
			Code:    ErrCodeUnauthorized,
			Message: "Authorization failed",
			Detail:  fmt.Sprintf("account %s does not hold the %s role", accountID, role),
		}
	}
	return nil
}

// Catalogs

// AddRawMaterial lists a raw material. Seller role required.
func (r *Repository) AddRawMaterial(caller, name string, price, tax, quantity uint64) (*models.RawMaterial, *RepositoryError) {
	if repoErr := r.requireRole(models.RoleSeller, caller); repoErr != nil {
		return nil, repoErr
	}
	listing := models.RawMaterial{Name: name, Price: price, Tax: tax, Quantity: quantity, Owner: caller}
	if err := r.db.Create(&listing).Error; err != nil {
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetRawMaterial looks up a live raw material listing.
func (r *Repository) GetRawMaterial(id uint) (*models.RawMaterial, *RepositoryError) {
	var listing models.RawMaterial
	err := r.db.First(&listing, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Raw material", id)
		}
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetAllRawMaterials returns live listings in creation order.
func (r *Repository) GetAllRawMaterials() ([]models.RawMaterial, *RepositoryError) {
	var listings []models.RawMaterial
	if err := r.db.Order("raw_material_id").Find(&listings).Error; err != nil {
		return nil, repoError(err)
	}
	return listings, nil
}

// RemoveRawMaterial deletes a listing. Owner only; the id is never
// reassigned. Frozen step costs of existing chains are unaffected.
func (r *Repository) RemoveRawMaterial(caller string, id uint) *RepositoryError {
	listing, repoErr := r.GetRawMaterial(id)
	if repoErr != nil {
		return repoErr
	}
	if listing.Owner != caller {
		return &RepositoryError{
			Code:    ErrCodeUnauthorized,
			Message: "Authorization failed",
			Detail:  fmt.Sprintf("account %s does not own raw material %d", caller, id),
		}
	}
	if err := r.db.Delete(&models.RawMaterial{}, id).Error; err != nil {
		return repoError(err)
	}
	return nil
}

// AddProduct lists a product. Manufacturer role required.
func (r *Repository) AddProduct(caller, name string, price, tax, quantity uint64) (*models.Product, *RepositoryError) {
	if repoErr := r.requireRole(models.RoleManufacturer, caller); repoErr != nil {
		return nil, repoErr
	}
	listing := models.Product{Name: name, Price: price, Tax: tax, Quantity: quantity, Owner: caller}
	if err := r.db.Create(&listing).Error; err != nil {
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetProduct looks up a live product listing.
func (r *Repository) GetProduct(id uint) (*models.Product, *RepositoryError) {
	var listing models.Product
	err := r.db.First(&listing, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Product", id)
		}
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetAllProducts returns live listings in creation order.
func (r *Repository) GetAllProducts() ([]models.Product, *RepositoryError) {
	var listings []models.Product
	if err := r.db.Order("product_id").Find(&listings).Error; err != nil {
		return nil, repoError(err)
	}
	return listings, nil
}

// RemoveProduct deletes a listing. Owner only.
func (r *Repository) RemoveProduct(caller string, id uint) *RepositoryError {
	listing, repoErr := r.GetProduct(id)
	if repoErr != nil {
		return repoErr
	}
	if listing.Owner != caller {
		return &RepositoryError{
			Code:    ErrCodeUnauthorized,
			Message: "Authorization failed",
			Detail:  fmt.Sprintf("account %s does not own product %d", caller, id),
		}
	}
	if err := r.db.Delete(&models.Product{}, id).Error; err != nil {
		return repoError(err)
	}
	return nil
}

// AddService lists a service. Seller role required.
func (r *Repository) AddService(caller, name string, price, tax, quantity, volume uint64) (*models.Service, *RepositoryError) {
	if repoErr := r.requireRole(models.RoleSeller, caller); repoErr != nil {
		return nil, repoErr
	}
	listing := models.Service{Name: name, Price: price, Tax: tax, Quantity: quantity, Volume: volume, Owner: caller}
	if err := r.db.Create(&listing).Error; err != nil {
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetService looks up a live service listing.
func (r *Repository) GetService(id uint) (*models.Service, *RepositoryError) {
	var listing models.Service
	err := r.db.First(&listing, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Service", id)
		}
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetAllServices returns live listings in creation order.
func (r *Repository) GetAllServices() ([]models.Service, *RepositoryError) {
	var listings []models.Service
	if err := r.db.Order("service_id").Find(&listings).Error; err != nil {
		return nil, repoError(err)
	}
	return listings, nil
}

// RemoveService deletes a listing. Owner only.
func (r *Repository) RemoveService(caller string, id uint) *RepositoryError {
	listing, repoErr := r.GetService(id)
	if repoErr != nil {
		return repoErr
	}
	if listing.Owner != caller {
		return &RepositoryError{
			Code:    ErrCodeUnauthorized,
			Message: "Authorization failed",
			Detail:  fmt.Sprintf("account %s does not own service %d", caller, id),
		}
	}
	if err := r.db.Delete(&models.Service{}, id).Error; err != nil {
		return repoError(err)
	}
	return nil
}

// AddLogistic lists a shipping offer. Transporter role required.
func (r *Repository) AddLogistic(caller, name string, price uint64) (*models.Logistic, *RepositoryError) {
	if repoErr := r.requireRole(models.RoleTransporter, caller); repoErr != nil {
		return nil, repoErr
	}
	listing := models.Logistic{Name: name, Price: price, Owner: caller}
	if err := r.db.Create(&listing).Error; err != nil {
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetLogistic looks up a live shipping offer.
func (r *Repository) GetLogistic(id uint) (*models.Logistic, *RepositoryError) {
	var listing models.Logistic
	err := r.db.First(&listing, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Logistic", id)
		}
		return nil, repoError(err)
	}
	return &listing, nil
}

// GetAllLogistics returns live offers in creation order.
func (r *Repository) GetAllLogistics() ([]models.Logistic, *RepositoryError) {
	var listings []models.Logistic
	if err := r.db.Order("logistic_id").Find(&listings).Error; err != nil {
		return nil, repoError(err)
	}
	return listings, nil
}

// RemoveLogistic deletes a shipping offer. Owner only.
func (r *Repository) RemoveLogistic(caller string, id uint) *RepositoryError {
	listing, repoErr := r.GetLogistic(id)
	if repoErr != nil {
		return repoErr
	}
	if listing.Owner != caller {
		return &RepositoryError{
			Code:    ErrCodeUnauthorized,
			Message: "Authorization failed",
			Detail:  fmt.Sprintf("account %s does not own logistic %d", caller, id),
		}
	}
	if err := r.db.Delete(&models.Logistic{}, id).Error; err != nil {
		return repoError(err)
	}
	return nil
}

// Supply chain engine

// StepInput is one step of a chain creation request. Sender and
// transporter are resolved from the referenced listings' owners.
type StepInput struct {
	StepType    string `json:"step_type"`
	ItemID      uint   `json:"item_id"`
	LogisticsID uint   `json:"logistics_id"`
	Quantity    uint64 `json:"quantity"`
	Receiver    string `json:"receiver"`
}

// CreateSupplyChain builds a chain from catalog references, freezing each
// step's cost at creation. All-or-nothing: any unresolved reference
// persists no chain.
func (r *Repository) CreateSupplyChain(caller, name, description string, steps []StepInput) (*models.SupplyChain, *RepositoryError) {
	if repoErr := r.requireRole(models.RoleManufacturer, caller); repoErr != nil {
		return nil, repoErr
	}
	if len(steps) == 0 {
		return nil, &RepositoryError{
			Code:    ErrCodeBadRequest,
			Message: "Chain needs at least one step",
			Detail:  "steps array is empty",
		}
	}

	dbTx := r.db.Begin()

	chain := models.SupplyChain{
		Name:        name,
		Description: description,
		Owner:       caller,
	}

	for i, in := range steps {
		if !models.ValidStepType(in.StepType) {
			dbTx.Rollback()
			return nil, &RepositoryError{
				Code:    ErrCodeBadRequest,
				Message: "Unknown step type",
				Detail:  fmt.Sprintf("step %d has unknown type %q", i, in.StepType),
			}
		}

		var itemPrice, itemTax uint64
		var itemOwner string
		switch in.StepType {
		case models.StepTypeRawMaterial:
			var item models.RawMaterial
			if err := dbTx.First(&item, in.ItemID).Error; err != nil {
				dbTx.Rollback()
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, notFound("Raw material", in.ItemID)
				}
				return nil, repoError(err)
			}
			itemPrice, itemTax, itemOwner = item.Price, item.Tax, item.Owner
		case models.StepTypeProduct:
			var item models.Product
			if err := dbTx.First(&item, in.ItemID).Error; err != nil {
				dbTx.Rollback()
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, notFound("Product", in.ItemID)
				}
				return nil, repoError(err)
			}
			itemPrice, itemTax, itemOwner = item.Price, item.Tax, item.Owner
		case models.StepTypeService:
			var item models.Service
			if err := dbTx.First(&item, in.ItemID).Error; err != nil {
				dbTx.Rollback()
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, notFound("Service", in.ItemID)
				}
				return nil, repoError(err)
			}
			itemPrice, itemTax, itemOwner = item.Price, item.Tax, item.Owner
		}

		var logistic models.Logistic
		if err := dbTx.First(&logistic, in.LogisticsID).Error; err != nil {
			dbTx.Rollback()
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, notFound("Logistic", in.LogisticsID)
			}
			return nil, repoError(err)
		}

		itemCost, logisticsCost, totalCost := models.ComputeStepCost(itemPrice, itemTax, logistic.Price)

		chain.Steps = append(chain.Steps, models.SupplyChainStep{
			Index:         i,
			StepType:      in.StepType,
			ItemID:        in.ItemID,
			LogisticsID:   in.LogisticsID,
			Quantity:      in.Quantity,
			Sender:        itemOwner,
			Transporter:   logistic.Owner,
			Receiver:      in.Receiver,
			ItemCost:      itemCost,
			LogisticsCost: logisticsCost,
			TotalCost:     totalCost,
		})
		chain.TotalFundedAmount += totalCost
	}

	if err := dbTx.Create(&chain).Error; err != nil {
		dbTx.Rollback()
		return nil, repoError(err)
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, repoError(err)
	}
	return &chain, nil
}

// GetSupplyChain returns a chain with its steps in order.
func (r *Repository) GetSupplyChain(id uint) (*models.SupplyChain, *RepositoryError) {
	var chain models.SupplyChain
	err := r.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index")
	}).First(&chain, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Supply chain", id)
		}
		return nil, repoError(err)
	}
	return &chain, nil
}

// GetAllSupplyChains returns every chain with steps, in creation order.
func (r *Repository) GetAllSupplyChains() ([]models.SupplyChain, *RepositoryError) {
	var chains []models.SupplyChain
	err := r.db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index")
	}).Order("chain_id").Find(&chains).Error
	if err != nil {
		return nil, repoError(err)
	}
	return chains, nil
}

// FundChain deposits the chain's total cost into escrow. Owner only,
// strictly one-shot. The allowance transfer and the funded flag commit or
// abort together: a failed transfer rolls the flag back, a failed commit
// refunds the transfer.
func (r *Repository) FundChain(caller string, chainID uint, token string) (*models.SupplyChain, *RepositoryError) {
	if token != r.ledger.Denom() {
		return nil, &RepositoryError{
			Code:    ErrCodeUnknownToken,
			Message: "Unknown settlement token",
			Detail:  fmt.Sprintf("token %q is not accepted, chains settle in %s", token, r.ledger.Denom()),
		}
	}

	dbTx := r.db.Begin()

	var chain models.SupplyChain
	err := dbTx.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index")
	}).First(&chain, chainID).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Supply chain", chainID)
		}
		return nil, repoError(err)
	}

	if err := chain.MarkFunded(caller); err != nil {
		dbTx.Rollback()
		return nil, flowError(err, fmt.Sprintf("cannot fund chain %d", chainID))
	}

	if err := dbTx.Model(&models.SupplyChain{}).Where("chain_id = ?", chainID).
		Updates(map[string]interface{}{"is_funded": true, "is_active": true}).Error; err != nil {
		dbTx.Rollback()
		return nil, repoError(err)
	}

	// Stage the deposit after the flag update is accepted by the
	// transaction; a transfer failure discards all staged state.
	if err := r.ledger.TransferFrom(EscrowAccount, chain.Owner, EscrowAccount, chain.TotalFundedAmount); err != nil {
		dbTx.Rollback()
		return nil, flowError(err, fmt.Sprintf("funding chain %d requires %d %s", chainID, chain.TotalFundedAmount, r.ledger.Denom()))
	}

	if err := dbTx.Commit().Error; err != nil {
		// the deposit already happened, give it back
		_ = r.ledger.Transfer(EscrowAccount, chain.Owner, chain.TotalFundedAmount)
		return nil, repoError(err)
	}
	return &chain, nil
}

// Confirmation stages of a step, in protocol order.
const (
	StageSender               = "sender"
	StageTransporterReceived  = "transporter_received"
	StageTransporterDelivered = "transporter_delivered"
	StageReceiver             = "receiver"
)

// ConfirmSender records the sender's attestation for a step.
func (r *Repository) ConfirmSender(caller string, chainID uint, stepIndex int) (*models.SupplyChainStep, *RepositoryError) {
	return r.confirmStep(caller, chainID, stepIndex, StageSender)
}

// ConfirmTransporterReceived records pickup by the transporter.
func (r *Repository) ConfirmTransporterReceived(caller string, chainID uint, stepIndex int) (*models.SupplyChainStep, *RepositoryError) {
	return r.confirmStep(caller, chainID, stepIndex, StageTransporterReceived)
}

// ConfirmTransporterDelivered records drop-off at the receiver.
func (r *Repository) ConfirmTransporterDelivered(caller string, chainID uint, stepIndex int) (*models.SupplyChainStep, *RepositoryError) {
	return r.confirmStep(caller, chainID, stepIndex, StageTransporterDelivered)
}

// ConfirmReceiver records the receiver's attestation and releases the
// step's escrowed funds in the same unit of work.
func (r *Repository) ConfirmReceiver(caller string, chainID uint, stepIndex int) (*models.SupplyChainStep, *RepositoryError) {
	return r.confirmStep(caller, chainID, stepIndex, StageReceiver)
}

// confirmStep drives one transition of the per-step state machine. The
// receiver stage pays out: flag transition and payment commit or abort as
// one unit.
func (r *Repository) confirmStep(caller string, chainID uint, stepIndex int, stage string) (*models.SupplyChainStep, *RepositoryError) {
	dbTx := r.db.Begin()

	var chain models.SupplyChain
	err := dbTx.First(&chain, chainID).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Supply chain", chainID)
		}
		return nil, repoError(err)
	}

	var step models.SupplyChainStep
	err = dbTx.Where("chain_id = ? AND step_index = ?", chainID, stepIndex).First(&step).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Supply chain step", stepIndex)
		}
		return nil, repoError(err)
	}

	detail := fmt.Sprintf("chain %d step %d", chainID, stepIndex)

	var flowErr error
	switch stage {
	case StageSender:
		flowErr = step.ConfirmSender(caller, chain.IsFunded)
	case StageTransporterReceived:
		flowErr = step.ConfirmTransporterReceived(caller)
	case StageTransporterDelivered:
		flowErr = step.ConfirmTransporterDelivered(caller)
	case StageReceiver:
		flowErr = step.ConfirmReceiver(caller)
	default:
		dbTx.Rollback()
		return nil, &RepositoryError{
			Code:    ErrCodeBadRequest,
			Message: "Unknown confirmation stage",
			Detail:  stage,
		}
	}
	if flowErr != nil {
		dbTx.Rollback()
		return nil, flowError(flowErr, detail)
	}

	if err := dbTx.Save(&step).Error; err != nil {
		dbTx.Rollback()
		return nil, repoError(err)
	}

	if stage == StageReceiver {
		// Two-phase release: the payment runs after the flag is staged,
		// a payment failure rolls the flag back, a commit failure
		// reverses the payment.
		if err := models.ReleaseStepFunds(r.ledger, EscrowAccount, &step); err != nil {
			dbTx.Rollback()
			return nil, flowError(err, detail)
		}
		if err := dbTx.Commit().Error; err != nil {
			models.RefundStepFunds(r.ledger, EscrowAccount, &step)
			return nil, repoError(err)
		}
		return &step, nil
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, repoError(err)
	}
	return &step, nil
}

// Consensus

// RunConsensus submits a payload to the CometBFT node and waits for it to
// land in a block.
func (r *Repository) RunConsensus(ctx context.Context, payload ConsensusPayload) (*ConsensusResult, *RepositoryError) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, &RepositoryError{
			Code:    "SERIALIZATION_ERROR",
			Message: "Failed to serialize consensus payload",
			Detail:  err.Error(),
		}
	}

	consensusTx := cmttypes.Tx(payloadBytes)

	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, consensusTx)
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &RepositoryError{
			Code:    "CONSENSUS_TIMEOUT",
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case result := <-done:
		if result.err != nil {
			return nil, &RepositoryError{
				Code:    "CONSENSUS_ERROR",
				Message: "Failed to commit to blockchain",
				Detail:  result.err.Error(),
			}
		}
		if result.result.CheckTx.Code != 0 {
			return nil, &RepositoryError{
				Code:    "CONSENSUS_ERROR",
				Message: "Blockchain rejected transaction",
				Detail:  fmt.Sprintf("CheckTx code: %d", result.result.CheckTx.Code),
			}
		}
		return &ConsensusResult{
			TxHash:      hex.EncodeToString(result.result.Hash),
			BlockHeight: result.result.Height,
			Code:        result.result.CheckTx.Code,
		}, nil
	}
}
