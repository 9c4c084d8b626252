package payload

import (
	"math/big"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/nerc-ceh/iotswarm/source"
)

func row(cols ...source.Column) source.Row {
	return source.Row{Columns: cols}
}

var _ = Describe("CR1000X", func() {
	Describe("Format", func() {
		It("splits DATE_TIME into data[i].time and preserves field order (S4)", func() {
			bigBattV, ok := new(big.Int).SetString("100000000000000000000", 10)
			Expect(ok).To(BeTrue())

			r := row(
				source.Column{Name: "DATE_TIME", Value: "2024-06-10T10:20:41.540116"},
				source.Column{Name: "temp", Value: 17.16},
				source.Column{Name: "door_open", Value: false},
				source.Column{Name: "BattV", Value: bigBattV},
				source.Column{Name: "BattLevel", Value: 1e-50},
			)

			env, err := CR1000X{DeviceID: "ALIC1"}.Format(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Data).To(HaveLen(1))
			Expect(env.Data[0].Time).To(Equal("2024-06-10T10:20:41.540116"))
			Expect(env.Data[0].Vals).To(Equal([]any{17.16, false, bigBattV, 1e-50}))

			gotTypes := make([]string, len(env.Head.Fields))
			for i, f := range env.Head.Fields {
				gotTypes[i] = f.Type
			}
			Expect(gotTypes).To(Equal([]string{"float", "boolean", "long", "double"}))
		})

		It("defaults time to wall clock when DATE_TIME is absent", func() {
			r := row(source.Column{Name: "temp", Value: 12.0})
			before := time.Now().UTC()
			env, err := CR1000X{DeviceID: "ALIC1"}.Format(r)
			Expect(err).NotTo(HaveOccurred())

			got, err := time.Parse(iso8601Micro, env.Data[0].Time)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeTemporally(">=", before.Add(-time.Second)))
		})

		It("keeps vals and fields the same length for every row (invariant 2)", func() {
			rows := []source.Row{
				row(source.Column{Name: "a", Value: 1}, source.Column{Name: "b", Value: "x"}),
				row(source.Column{Name: "a", Value: 2}, source.Column{Name: "b", Value: "y"}),
			}
			env, err := CR1000X{DeviceID: "ALIC1"}.Format(rows...)
			Expect(err).NotTo(HaveOccurred())
			for _, item := range env.Data {
				Expect(item.Vals).To(HaveLen(len(env.Head.Fields)))
			}
		})

		It("panics on mismatched column sets across a batch", func() {
			rows := []source.Row{
				row(source.Column{Name: "a", Value: 1}),
				row(source.Column{Name: "a", Value: 1}, source.Column{Name: "b", Value: 2}),
			}
			Expect(func() { _, _ = CR1000X{}.Format(rows...) }).To(Panic())
		})
	})

	Describe("serial number derivation (S5)", func() {
		DescribeTable("dash-joins decimal Unicode code points",
			func(deviceID, want string) {
				Expect(serialNumber(deviceID)).To(Equal(want))
			},
			Entry("ALIC1", "ALIC1", "65-76-73-67-49"),
			Entry("MORLY", "MORLY", "77-79-82-76-89"),
		)

		It("is injective over distinct ASCII ids", func() {
			ids := []string{"ALIC1", "MORLY", "EUSTN", "A", "Z9"}
			seen := map[string]string{}
			for _, id := range ids {
				s := serialNumber(id)
				if other, ok := seen[s]; ok {
					Fail("collision between " + id + " and " + other)
				}
				seen[s] = id
			}
		})
	})

	Describe("field type inference (invariant 8)", func() {
		It("infers xsd:float for [1, 2.5]", func() {
			rows := []source.Row{
				row(source.Column{Name: "v", Value: int64(1)}),
				row(source.Column{Name: "v", Value: 2.5}),
			}
			env, err := CR1000X{}.Format(rows...)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Head.Fields[0].Type).To(Equal("float"))
		})

		It("infers xsd:string for [1, \"abc\"]", func() {
			rows := []source.Row{
				row(source.Column{Name: "v", Value: int64(1)}),
				row(source.Column{Name: "v", Value: "abc"}),
			}
			env, err := CR1000X{}.Format(rows...)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Head.Fields[0].Type).To(Equal("string"))
		})

		It("infers xsd:short for [null, 1, null]", func() {
			rows := []source.Row{
				row(source.Column{Name: "v", Value: nil}),
				row(source.Column{Name: "v", Value: int64(1)}),
				row(source.Column{Name: "v", Value: nil}),
			}
			env, err := CR1000X{}.Format(rows...)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Head.Fields[0].Type).To(Equal("short"))
		})
	})
})
