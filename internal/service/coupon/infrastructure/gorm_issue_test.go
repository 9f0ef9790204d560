package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nexus-coupon/internal/service/coupon/domain"
)

// openTestDB 打开一个按测试名隔离的内存 SQLite，表结构与 MySQL 相同，唯一索引同样生效
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&CampaignModel{}, &UserCouponModel{}))
	return db
}

func seedCampaign(t *testing.T, repo *GormCouponRepository, id, total int64) {
	t.Helper()
	now := time.Now()
	require.NoError(t, repo.Save(context.Background(), &domain.Campaign{
		ID:             id,
		Name:           "double-11",
		DiscountType:   domain.DiscountTypeFixedAmount,
		DiscountValue:  decimal.NewFromInt(10),
		MinOrderAmount: decimal.NewFromInt(50),
		TotalQuantity:  total,
		ValidFrom:      now.Add(-time.Hour),
		ValidUntil:     now.Add(time.Hour),
		Status:         domain.CampaignActive,
	}))
}

func issuedQuantity(t *testing.T, db *gorm.DB, campaignID int64) int64 {
	t.Helper()
	var model CampaignModel
	require.NoError(t, db.Where("id = ?", campaignID).Take(&model).Error)
	return model.IssuedQuantity
}

func couponRows(t *testing.T, db *gorm.DB, campaignID int64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&UserCouponModel{}).Where("campaign_id = ?", campaignID).Count(&n).Error)
	return n
}

func TestGormIssue_CreatesRecordAndIncrements(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormCouponRepository(db)
	seedCampaign(t, repo, 1, 5)
	ctx := context.Background()

	uc, err := repo.Issue(ctx, 1, 42)
	require.NoError(t, err)
	assert.NotZero(t, uc.ID)
	assert.Equal(t, domain.StatusUnused, uc.Status)
	assert.Equal(t, int64(1), issuedQuantity(t, db, 1))

	found, err := repo.FindByCampaignAndUser(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, uc.ID, found.ID)
}

func TestGormIssue_UniqueIndexRejectsSecondCoupon(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormCouponRepository(db)
	seedCampaign(t, repo, 1, 5)
	ctx := context.Background()

	_, err := repo.Issue(ctx, 1, 42)
	require.NoError(t, err)

	_, err = repo.Issue(ctx, 1, 42)
	assert.ErrorIs(t, err, domain.ErrAlreadyIssued)
	assert.NotErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, int64(1), issuedQuantity(t, db, 1), "duplicate does not increment")
	assert.Equal(t, int64(1), couponRows(t, db, 1))
}

func TestGormIssue_ConditionalIncrementRollsBackInsert(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormCouponRepository(db)
	seedCampaign(t, repo, 1, 3)
	ctx := context.Background()

	// 在同一事务里、插入之后把活动填满，模拟另一条写路径抢先拿走了最后一张
	err := db.Callback().Create().After("gorm:create").Register("test:exhaust_campaign", func(tx *gorm.DB) {
		if tx.Error != nil || tx.Statement.Schema == nil || tx.Statement.Schema.Table != "user_coupon" {
			return
		}
		tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE coupon_campaign SET issued_quantity = total_quantity WHERE id = ?", 1)
	})
	require.NoError(t, err)

	_, err = repo.Issue(ctx, 1, 42)
	assert.ErrorIs(t, err, domain.ErrCampaignUnavailable)
	assert.Equal(t, int64(0), couponRows(t, db, 1), "inserted ownership record is rolled back")
	assert.Equal(t, int64(0), issuedQuantity(t, db, 1))
}

func TestGormIssue_SoldOutAndUnknownCampaign(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormCouponRepository(db)
	seedCampaign(t, repo, 1, 1)
	ctx := context.Background()

	_, err := repo.Issue(ctx, 1, 1)
	require.NoError(t, err)
	_, err = repo.Issue(ctx, 1, 2)
	assert.ErrorIs(t, err, domain.ErrCampaignUnavailable)
	assert.Equal(t, int64(1), couponRows(t, db, 1))

	_, err = repo.Issue(ctx, 99, 1)
	assert.ErrorIs(t, err, domain.ErrCampaignUnavailable)
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}

func TestGormIssue_StorageFailureIsPersistenceErrorWithStack(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormCouponRepository(db)
	seedCampaign(t, repo, 1, 5)
	require.NoError(t, db.Migrator().DropTable(&UserCouponModel{}))

	_, err := repo.Issue(context.Background(), 1, 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.True(t, domain.IsRetryable(err))
	assert.Contains(t, fmt.Sprintf("%+v", err), "gorm_repository.go", "stack trace kept for dead letters")
	assert.Equal(t, int64(0), issuedQuantity(t, db, 1))
}

func TestGormIssue_ConcurrentCallersNeverExceedTotal(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormCouponRepository(db)
	seedCampaign(t, repo, 1, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for userID := int64(1); userID <= 10; userID++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, _ = repo.Issue(ctx, 1, userID)
		}(userID)
	}
	wg.Wait()

	assert.Equal(t, int64(3), issuedQuantity(t, db, 1))
	assert.Equal(t, int64(3), couponRows(t, db, 1))
}

func TestGormUpdateStatus_CompareAndSet(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormCouponRepository(db)
	seedCampaign(t, repo, 1, 5)
	ctx := context.Background()

	uc, err := repo.Issue(ctx, 1, 7)
	require.NoError(t, err)

	require.NoError(t, uc.Reserve())
	require.NoError(t, repo.UpdateStatus(ctx, uc, domain.StatusUnused))

	stale := *uc
	stale.Status = domain.StatusExpired
	assert.ErrorIs(t, repo.UpdateStatus(ctx, &stale, domain.StatusUnused), domain.ErrStaleStatus)

	found, err := repo.FindByCampaignAndUser(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, found.Status)
}
