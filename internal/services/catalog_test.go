package services

import (
	"context"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/internal/config"
)

var productColumns = []string{
	"id", "name", "brand", "category", "product_type",
	"price_cents", "available_qty", "attributes",
	"vin", "make", "model", "year", "trim", "mileage", "body_style",
	"fuel_type", "drivetrain", "transmission", "exterior_color",
	"interior_color", "mpg_city", "mpg_hwy",
}

func laptopRowValues(id string, priceCents int64, attrs string) []interface{} {
	return []interface{}{
		id, "ProBook " + id, "Dell", "Electronics", "laptop",
		priceCents, 5, []byte(attrs),
		(*string)(nil), "", "", 0, "", 0, "", "", "", "", "", "", 0.0, 0.0,
	}
}

func vehicleRowValues(id, vin string, priceCents int64) []interface{} {
	return []interface{}{
		id, "2021 Toyota RAV4", "Toyota", "Vehicles", "suv",
		priceCents, 1, []byte(`{}`),
		&vin, "Toyota", "RAV4", 2021, "XLE", 31000, "SUV",
		"Gas", "AWD", "Automatic", "Blue", "Black", 27.0, 34.0,
	}
}

func newTestCatalog(t *testing.T) (*CatalogService, pgxmock.PgxPoolIface) {
	t.Helper()
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockDB.Close)

	svc := NewCatalogService(mockDB, nil, config.CachingConfig{}, silentLogger())
	return svc, mockDB
}

func TestCatalogService_Search(t *testing.T) {
	svc, mockDB := newTestCatalog(t)
	ctx := context.Background()

	t.Run("HydratesLaptopAttributes", func(t *testing.T) {
		rows := pgxmock.NewRows(append(append([]string{}, productColumns...), "total_count")).
			AddRow(append(laptopRowValues("e1", 129900, `{"gpu_vendor":"NVIDIA","ram_gb":16,"use_case":"gaming"}`), 7)...)

		mockDB.ExpectQuery("SELECT").WillReturnRows(rows)

		products, total, err := svc.Search(ctx, CatalogQuery{
			Category: "Electronics",
			Filters:  map[string]interface{}{"gpu_vendor": "NVIDIA"},
			Limit:    10,
		})
		require.NoError(t, err)
		assert.Equal(t, 7, total)
		require.Len(t, products, 1)
		require.NotNil(t, products[0].Laptop)
		assert.Equal(t, "NVIDIA", products[0].Laptop.GPUVendor)
		assert.Equal(t, 16, products[0].Laptop.RAMGB)
		assert.Nil(t, products[0].Vehicle)

		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("VehicleFilterArgs", func(t *testing.T) {
		rows := pgxmock.NewRows(append(append([]string{}, productColumns...), "total_count")).
			AddRow(append(vehicleRowValues("v1", "VIN001", 2850000), 1)...)

		// Sorted filter keys: body_style before price; the open lower
		// price bound is skipped.
		mockDB.ExpectQuery("SELECT").
			WithArgs("Vehicles", "SUV", int64(3500000), 10).
			WillReturnRows(rows)

		products, total, err := svc.Search(ctx, CatalogQuery{
			Category: "Vehicles",
			Filters: map[string]interface{}{
				"body_style": "SUV",
				"price":      "0-35000",
			},
			Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, products, 1)
		require.NotNil(t, products[0].Vehicle)
		assert.Equal(t, "VIN001", products[0].Vehicle.VIN)
		assert.Equal(t, "RAV4", products[0].Vehicle.Model)

		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("InternalHintsNeverReachSQL", func(t *testing.T) {
		fragment, args, _ := buildFilterPredicates(map[string]interface{}{
			"_soft_preferences": map[string]interface{}{"liked_features": []string{"fast"}},
			"brand":             "Dell",
		}, 1)

		assert.NotContains(t, fragment, "_soft_preferences")
		assert.Contains(t, fragment, "p.brand ILIKE $1")
		assert.Equal(t, []interface{}{"Dell"}, args)
	})

	t.Run("PriceCentsBounds", func(t *testing.T) {
		fragment, args, next := buildFilterPredicates(map[string]interface{}{
			"price_min_cents": 50000,
			"price_max_cents": 150000,
		}, 1)

		assert.Contains(t, fragment, "p.price_cents <= $1")
		assert.Contains(t, fragment, "p.price_cents >= $2")
		assert.Equal(t, []interface{}{int64(150000), int64(50000)}, args)
		assert.Equal(t, 3, next)
	})
}

func TestCatalogService_GetByID(t *testing.T) {
	svc, mockDB := newTestCatalog(t)
	ctx := context.Background()

	t.Run("Found", func(t *testing.T) {
		rows := pgxmock.NewRows(productColumns).
			AddRow(vehicleRowValues("v1", "VIN001", 2850000)...)
		mockDB.ExpectQuery("SELECT").WithArgs("v1").WillReturnRows(rows)

		product, err := svc.GetByID(ctx, "v1")
		require.NoError(t, err)
		require.NotNil(t, product.Vehicle)
		assert.Equal(t, "Toyota", product.Vehicle.Make)

		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mockDB.ExpectQuery("SELECT").WithArgs("missing").
			WillReturnRows(pgxmock.NewRows(productColumns))

		_, err := svc.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrProductNotFound)
	})
}

func TestCatalogService_ListVehicleMMYs(t *testing.T) {
	svc, mockDB := newTestCatalog(t)

	rows := pgxmock.NewRows([]string{"make", "model", "year"}).
		AddRow("Toyota", "RAV4", 2021).
		AddRow("Honda", "CR-V", 2020)
	mockDB.ExpectQuery("SELECT DISTINCT").WillReturnRows(rows)

	mmys, err := svc.ListVehicleMMYs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []MMY{{"Toyota", "RAV4", 2021}, {"Honda", "CR-V", 2020}}, mmys)
}

func TestCatalogService_KeywordSearch(t *testing.T) {
	svc, mockDB := newTestCatalog(t)

	t.Run("ShortTermsDropped", func(t *testing.T) {
		products, total, err := svc.KeywordSearch(context.Background(), "Electronics", []string{"a", " "}, 5)
		require.NoError(t, err)
		assert.Nil(t, products)
		assert.Zero(t, total)
	})

	t.Run("TermsBecomeILIKEClauses", func(t *testing.T) {
		rows := pgxmock.NewRows(append(append([]string{}, productColumns...), "total_count")).
			AddRow(append(laptopRowValues("e2", 99900, `{}`), 1)...)
		mockDB.ExpectQuery("SELECT").
			WithArgs("Electronics", "%gaming%", "%nvidia%", 5).
			WillReturnRows(rows)

		products, _, err := svc.KeywordSearch(context.Background(), "Electronics", []string{"gaming", "nvidia"}, 5)
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.True(t, strings.HasPrefix(products[0].Name, "ProBook"))
	})
}
