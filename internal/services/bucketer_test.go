package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/pkg/models"
)

func rankedVehicle(id string, priceDollars int, bodyStyle string, rank int) models.RankedProduct {
	return models.RankedProduct{
		Product: vehicleProduct(id, priceDollars, bodyStyle, "Gas", 2021),
		Score:   1.0 / float64(rank),
		Rank:    rank,
	}
}

func TestBucketer(t *testing.T) {
	b := NewBucketer(silentLogger())

	t.Run("NumericalQuantileBuckets", func(t *testing.T) {
		prices := []int{12000, 14000, 16000, 20000, 22000, 25000, 30000, 32000, 34000}
		ranked := make([]models.RankedProduct, 0, len(prices))
		for i, p := range prices {
			ranked = append(ranked, rankedVehicle(string(rune('a'+i)), p, "SUV", i+1))
		}

		rows, labels := b.Bucket(ranked, "price", 3, 3)
		require.Len(t, rows, 3)
		require.Len(t, labels, 3)

		assert.Equal(t, "$12K – $16K", labels[0])
		assert.Equal(t, "$20K – $25K", labels[1])
		assert.Equal(t, "$30K – $34K", labels[2])

		for _, row := range rows {
			assert.Len(t, row, 3)
		}
		assert.Equal(t, "a", rows[0][0].ID)
		assert.Equal(t, "d", rows[1][0].ID)
		assert.Equal(t, "g", rows[2][0].ID)
	})

	t.Run("RankOrderPreservedWithinBucket", func(t *testing.T) {
		ranked := []models.RankedProduct{
			rankedVehicle("first", 14000, "SUV", 1),
			rankedVehicle("second", 16000, "SUV", 2),
			rankedVehicle("third", 15000, "SUV", 3),
		}

		rows, _ := b.Bucket(ranked, "price", 1, 3)
		require.Len(t, rows, 1)
		require.Len(t, rows[0], 3)
		assert.Equal(t, "first", rows[0][0].ID)
		assert.Equal(t, "second", rows[0][1].ID)
	})

	t.Run("CategoricalCountDescWithOther", func(t *testing.T) {
		ranked := []models.RankedProduct{
			rankedVehicle("a", 20000, "SUV", 1),
			rankedVehicle("b", 21000, "SUV", 2),
			rankedVehicle("c", 22000, "SUV", 3),
			rankedVehicle("d", 23000, "Sedan", 4),
			rankedVehicle("e", 24000, "Sedan", 5),
			rankedVehicle("f", 25000, "Coupe", 6),
		}

		rows, labels := b.Bucket(ranked, "body_style", 3, 3)
		require.Len(t, rows, 3)
		assert.Equal(t, []string{"SUV", "Sedan", "Coupe"}, labels)
		assert.Len(t, rows[0], 3)
		assert.Len(t, rows[1], 2)
		assert.Len(t, rows[2], 1)
	})

	t.Run("CategoricalPadsMissingGroupsWithOther", func(t *testing.T) {
		ranked := []models.RankedProduct{
			rankedVehicle("a", 20000, "SUV", 1),
			rankedVehicle("b", 21000, "SUV", 2),
		}

		rows, labels := b.Bucket(ranked, "body_style", 3, 3)
		require.Len(t, rows, 3)
		assert.Equal(t, "SUV", labels[0])
		assert.Equal(t, "Other", labels[1])
		assert.Equal(t, "Other", labels[2])
		assert.Empty(t, rows[1])
		assert.Empty(t, rows[2])
	})

	t.Run("EmptyInputYieldsNoData", func(t *testing.T) {
		rows, labels := b.Bucket(nil, "price", 3, 3)
		require.Len(t, rows, 3)
		for i := range rows {
			assert.Empty(t, rows[i])
			assert.Equal(t, "No data", labels[i])
		}
	})

	t.Run("MileageLabelFormat", func(t *testing.T) {
		ranked := []models.RankedProduct{
			rankedVehicle("a", 20000, "SUV", 1),
			rankedVehicle("b", 21000, "SUV", 2),
			rankedVehicle("c", 22000, "SUV", 3),
		}
		miles := []int{5000, 18000, 42000}
		for i := range ranked {
			ranked[i].Vehicle.Mileage = miles[i]
		}

		_, labels := b.Bucket(ranked, "mileage", 3, 1)
		require.Len(t, labels, 3)
		assert.Contains(t, labels[0], "miles")
	})

	t.Run("YearLabelFormat", func(t *testing.T) {
		ranked := []models.RankedProduct{
			rankedVehicle("a", 20000, "SUV", 1),
			rankedVehicle("b", 21000, "SUV", 2),
			rankedVehicle("c", 22000, "SUV", 3),
		}
		years := []int{2019, 2021, 2023}
		for i := range ranked {
			ranked[i].Vehicle.Year = years[i]
		}

		_, labels := b.Bucket(ranked, "year", 3, 1)
		assert.Equal(t, "2019 – 2019", labels[0])
	})

	t.Run("BuildGridCarriesDimension", func(t *testing.T) {
		ranked := []models.RankedProduct{
			rankedVehicle("a", 20000, "SUV", 1),
			rankedVehicle("b", 30000, "Sedan", 2),
			rankedVehicle("c", 40000, "Coupe", 3),
		}

		grid := b.BuildGrid(ranked, "price", 3, 3)
		assert.Equal(t, "price", grid.Dimension)
		assert.Len(t, grid.Rows, 3)
		assert.Len(t, grid.BucketLabels, 3)
	})
}
